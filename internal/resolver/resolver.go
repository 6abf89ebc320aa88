// Package resolver maps a declared or inferred property name to a single
// canonical property record, creating it on first sight.
package resolver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"

	"propwatch/internal/audit"
	"propwatch/internal/domain"
	"propwatch/internal/repo"
)

const maxCreateAttempts = 5

// ResolutionError means no property name could be determined. It is permanent.
type ResolutionError struct {
	Hint string
}

func (e *ResolutionError) Error() string {
	if e.Hint == "" {
		return "cannot resolve property: no name declared and none inferable"
	}
	return fmt.Sprintf("cannot resolve property from %q", e.Hint)
}

// Hint carries what is known about a document besides its declared name.
type Hint struct {
	FileName string
}

type Resolver struct {
	DB         *sql.DB
	Repo       repo.Repo
	Audit      audit.Writer
	CodePrefix string
	CodeWidth  int
	Now        func() time.Time
	Logger     *slog.Logger
}

func (r Resolver) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

var (
	folder     = cases.Fold()
	whitespace = regexp.MustCompile(`\s+`)
)

// Normalize trims, case-folds and collapses internal whitespace.
func Normalize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return whitespace.ReplaceAllString(folder.String(name), " ")
}

// displayName keeps the caller's casing but collapses whitespace.
func displayName(name string) string {
	return whitespace.ReplaceAllString(strings.TrimSpace(name), " ")
}

var (
	dateToken    = regexp.MustCompile(`(?i)\b(\d{4}(\s\d{1,2}){0,2}|\d{1,2}\s\d{4}|q[1-4]|fy\s?\d{2,4}|jan|january|feb|february|mar|march|apr|april|jun|june|jul|july|aug|august|sep|sept|september|oct|october|nov|november|dec|december)\b`)
	docTypeToken = regexp.MustCompile(`(?i)\b(rent\s*roll|rentroll|financial\s*statements?|statements?|operating|p\s*&\s*l|pnl|income|lease|leases|report|final|draft|v\d+)\b`)
	separators   = regexp.MustCompile(`[_\-.]+`)
)

// InferName guesses a property name from a file name by stripping the
// extension, dates and document-type words. The result may be empty.
func InferName(fileName string) string {
	base := filepath.Base(strings.TrimSpace(fileName))
	if base == "." || base == "/" {
		return ""
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = separators.ReplaceAllString(base, " ")
	base = dateToken.ReplaceAllString(base, " ")
	base = docTypeToken.ReplaceAllString(base, " ")
	return displayName(base)
}

// Resolve returns the property id for declaredName, inferring the name from
// the hint when none is declared. Concurrent calls with names that normalize
// equally return the same id; created is true for exactly one of them.
func (r Resolver) Resolve(ctx context.Context, declaredName string, hint Hint) (string, bool, error) {
	name := displayName(declaredName)
	if name == "" {
		name = InferName(hint.FileName)
	}
	key := Normalize(name)
	if key == "" {
		return "", false, &ResolutionError{Hint: hint.FileName}
	}
	logger := r.logger()
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		id, created, err := r.resolveOnce(ctx, name, key)
		if errors.Is(err, repo.ErrConflict) {
			logger.Debug("property code collision; retrying", "name", name, "attempt", attempt)
			continue
		}
		if err != nil {
			return "", false, err
		}
		if created {
			logger.Info("property created", "property_id", id, "name", name)
		}
		return id, created, nil
	}
	return "", false, fmt.Errorf("resolve property %q: gave up after %d attempts", name, maxCreateAttempts)
}

func (r Resolver) resolveOnce(ctx context.Context, name, key string) (string, bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	existing, err := r.Repo.GetPropertyByKey(ctx, tx, key)
	if err == nil {
		return existing.ID, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return "", false, err
	}
	seq, err := r.Repo.NextPropertySeq(ctx, tx)
	if err != nil {
		return "", false, err
	}
	p := repo.NewProperty{
		ID:        uuid.NewString(),
		Name:      name,
		NameKey:   key,
		Code:      r.code(seq),
		Seq:       seq,
		Status:    "active",
		CreatedAt: domain.FormatTime(r.now()),
	}
	inserted, err := r.Repo.InsertPropertyIfAbsent(ctx, tx, p)
	if err != nil {
		return "", false, err
	}
	if !inserted {
		winner, err := r.Repo.GetPropertyByKey(ctx, tx, key)
		if err != nil {
			return "", false, err
		}
		return winner.ID, false, nil
	}
	if _, err := r.Audit.Append(ctx, tx, audit.Entry{
		Action:         audit.ActionPropertyCreated,
		BusinessRuleID: audit.RulePropertyCreate,
		SubjectKind:    audit.SubjectProperty,
		SubjectID:      p.ID,
		Payload:        audit.Payload{"name": p.Name, "code": p.Code},
	}); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return p.ID, true, nil
}

func (r Resolver) code(seq int64) string {
	prefix := r.CodePrefix
	if prefix == "" {
		prefix = "PROP"
	}
	width := r.CodeWidth
	if width <= 0 {
		width = 5
	}
	return fmt.Sprintf("%s-%0*d", prefix, width, seq)
}

func (r Resolver) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
