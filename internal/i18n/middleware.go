package i18n

import "net/http"

// Middleware injects a localizer into every request context. The "lang"
// query parameter wins over Accept-Language; the default language is the
// last resort.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var prefs []string
		if q := r.URL.Query().Get("lang"); q != "" {
			prefs = append(prefs, q)
		}
		if accept := r.Header.Get("Accept-Language"); accept != "" {
			prefs = append(prefs, accept)
		}
		ctx := WithLocalizer(r.Context(), NewLocalizer(prefs...))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
