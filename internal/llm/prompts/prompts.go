package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/provasonline/provas/internal/model"
)

//go:embed templates/*.txt
var defaultFS embed.FS

var systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*(system-instructions|exam-content)\b[^>]*>`)

const maxContentRunes = 8000

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[model.Difficulty]*template.Template
)

// Difficulties lists the levels that have a generation template.
var Difficulties = []model.Difficulty{model.DifficultyEasy, model.DifficultyMedium, model.DifficultyHard}

// GenerateData holds template data for question-generation prompts.
type GenerateData struct {
	Content string
	Count   int
}

// Load parses the generation templates from fsys, or from the built-in
// templates when fsys is nil. Templates are loaded only once.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		if fsys == nil {
			fsys = defaultFS
		}
		templates = make(map[model.Difficulty]*template.Template)
		for _, d := range Difficulties {
			file := "templates/generate_" + string(d) + ".txt"
			content, err := fs.ReadFile(fsys, file)
			if err != nil {
				loadErr = errors.New("failed to read prompt file " + file + ": " + err.Error())
				return
			}
			tmpl, err := template.New(string(d)).Parse(string(content))
			if err != nil {
				loadErr = errors.New("failed to parse prompt template " + file + ": " + err.Error())
				return
			}
			templates[d] = tmpl
		}
	})
	return loadErr
}

// BuildGeneratePrompt renders the prompt asking for count questions about
// content at the given difficulty. Unknown difficulties use media.
func BuildGeneratePrompt(difficulty model.Difficulty, content string, count int) (string, error) {
	if err := Load(nil); err != nil {
		return "", fmt.Errorf("templates load failed: %w", err)
	}
	tmpl, ok := templates[difficulty]
	if !ok {
		tmpl = templates[model.DifficultyMedium]
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, GenerateData{Content: sanitizeContent(content), Count: count}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// sanitizeContent strips delimiter tags so professor-supplied text cannot
// close the content block, and caps its length.
func sanitizeContent(content string) string {
	content = systemInstructionsRegex.ReplaceAllString(content, "")
	content = strings.TrimSpace(content)
	if content == "" {
		return "[No content provided]"
	}
	if utf8.RuneCountInString(content) > maxContentRunes {
		runes := []rune(content)
		content = string(runes[:maxContentRunes]) + "\n\n[Content truncated due to length]"
	}
	return content
}
