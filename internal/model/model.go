package model

import (
	"context"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent is a student taking exams.
	UserRoleStudent UserRole = "aluno"
	// UserRoleProfessor creates exams and releases scores.
	UserRoleProfessor UserRole = "professor"
	// UserRoleAdmin manages users, backups and restores.
	UserRoleAdmin UserRole = "admin"
	// UserRoleSync is the service identity used by the sync dispatcher.
	UserRoleSync UserRole = "sync"
)

// User represents a system user.
type User struct {
	ID           string    `json:"_id"`
	Name         string    `json:"nome"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	Role         UserRole  `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string    `json:"_id"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// Difficulty represents exam difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "facil"
	DifficultyMedium Difficulty = "media"
	DifficultyHard   Difficulty = "dificil"
)

// Question is a multiple-choice exam question. CorrectAnswer is the
// zero-based index into Options.
type Question struct {
	Question      string   `json:"pergunta"`
	Options       []string `json:"opcoes"`
	CorrectAnswer int      `json:"respostaCorreta"`
	Explanation   string   `json:"explicacao,omitempty"`
}

// ExamStatus represents the status of an exam.
type ExamStatus string

const (
	ExamActive   ExamStatus = "ativa"
	ExamFinished ExamStatus = "concluida"
	ExamPending  ExamStatus = "pendente"
)

// Exam is a set of questions created by a professor.
type Exam struct {
	ID              string     `json:"_id"`
	ProfessorID     string     `json:"userId"`
	ClassID         string     `json:"turmaId,omitempty"`
	Title           string     `json:"titulo"`
	Content         string     `json:"conteudo"`
	Difficulty      Difficulty `json:"dificuldade"`
	DurationMinutes int        `json:"duracao"`
	Code            string     `json:"codigo"`
	Status          ExamStatus `json:"status"`
	Questions       []Question `json:"questoes"`
	CreatedAt       time.Time  `json:"dataCriacao"`
}

// SubmissionStatus represents the status of a submission.
type SubmissionStatus string

// SubmissionFinished marks a submission whose answers are final.
const SubmissionFinished SubmissionStatus = "finalizada"

// Submission is a student's completed attempt at an exam.
type Submission struct {
	ID            string           `json:"_id"`
	ExamID        string           `json:"provaId"`
	StudentID     string           `json:"alunoId"`
	Answers       []string         `json:"respostas"`
	TimeSpent     int              `json:"tempoGasto"`
	SubmittedAt   time.Time        `json:"dataRealizacao"`
	SyncedAt      *time.Time       `json:"sincronizadoEm,omitempty"`
	Status        SubmissionStatus `json:"status"`
	ScoreReleased bool             `json:"notaLiberada"`
}

// ResultDetail is the per-question correctness breakdown of a result.
type ResultDetail struct {
	Number        int    `json:"questaoNumero"`
	Question      string `json:"pergunta"`
	StudentAnswer string `json:"respostaAluno"`
	CorrectAnswer string `json:"respostaCorreta"`
	Correct       bool   `json:"correto"`
	Explanation   string `json:"explicacao,omitempty"`
}

// Result is the graded summary of a submission.
type Result struct {
	ID            string         `json:"_id"`
	ExamID        string         `json:"provaId"`
	StudentID     string         `json:"userId"`
	StudentName   string         `json:"alunoNome"`
	Answers       []string       `json:"respostas"`
	Score         float64        `json:"nota"`
	Correct       int            `json:"acertos"`
	Total         int            `json:"total"`
	Percentage    float64        `json:"porcentagem"`
	TimeSpent     int            `json:"tempoGasto"`
	Details       []ResultDetail `json:"resultadoDetalhado"`
	ScoreReleased bool           `json:"notaLiberada"`
	SyncedAt      *time.Time     `json:"sincronizadoEm,omitempty"`
}

// ServerConfig holds runtime HTTP parameters set via CLI flags.
type ServerConfig struct {
	SyncToken  string // bearer token accepted as the sync service identity
	Lang       string // default language for API messages
	BackupDir  string
	LLMEnabled bool
}
