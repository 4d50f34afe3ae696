package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"keylane/internal/config"
	"keylane/internal/domain"
	"keylane/internal/events"
	"keylane/internal/repo"
)

// ExpandStageOptions parameterize one expansion call. Role, when set, limits
// the expansion to templates assigned to that role.
type ExpandStageOptions struct {
	ContextType string
	ContextID   string
	Stage       string
	Role        string
	ActorID     string
}

// ExpandStage expands the workflow templates declared for a stage into
// concrete tasks for a context. Titles already present for the context are
// skipped, so repeated expansion is a no-op. Dependency titles resolve first
// against tasks created earlier in this same call, then against persisted
// tasks; titles that resolve to nothing are omitted. The whole batch runs in
// one transaction: a persistence failure rolls every task of the call back so
// a half-built dependency graph is never committed.
func (e Engine) ExpandStage(ctx context.Context, opts ExpandStageOptions) ([]domain.Task, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	if opts.ContextType != "listing" && opts.ContextType != "deal" {
		return nil, fmt.Errorf("unknown context type %s", opts.ContextType)
	}
	if !domain.ValidStage(opts.Stage) {
		return nil, fmt.Errorf("unknown stage %s", opts.Stage)
	}

	jurisdiction, err := e.contextJurisdiction(ctx, opts.ContextType, opts.ContextID)
	if err != nil {
		return nil, err
	}

	templates := e.Config.TemplatesForStage(opts.Stage)
	existing, err := e.Repo.TaskTitles(ctx, opts.ContextType, opts.ContextID)
	if err != nil {
		return nil, fmt.Errorf("load existing task titles: %w", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	createdByTitle := map[string]string{}
	var created []domain.Task

	for _, tpl := range templates {
		if opts.Role != "" && tpl.Role != opts.Role {
			continue
		}
		if existing[tpl.Title] {
			continue
		}
		if tpl.RequiresAction != "" && !e.Compliance.CanPerform(tpl.RequiresAction, tpl.Role, jurisdiction) {
			continue
		}
		t := domain.Task{
			ID:          taskID(opts.ContextType, opts.ContextID, tpl.Title),
			ContextType: opts.ContextType,
			ContextID:   opts.ContextID,
			Role:        tpl.Role,
			Title:       tpl.Title,
			Description: tpl.Description,
			Status:      "pending",
			AIGenerated: true,
			CreatedAt:   nowStr,
			UpdatedAt:   nowStr,
		}
		if tpl.DueInDays != nil {
			due := now.AddDate(0, 0, *tpl.DueInDays).Format(time.RFC3339)
			t.DueAt = &due
		}
		deps, err := e.resolveDependencies(ctx, opts, tpl, createdByTitle)
		if err != nil {
			return nil, err
		}
		t.DependsOn = deps

		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return nil, fmt.Errorf("insert task %q: %w", tpl.Title, err)
		}
		if len(deps) > 0 {
			if err := e.Repo.AddDependencies(ctx, tx, t.ID, deps); err != nil {
				return nil, fmt.Errorf("link dependencies for %q: %w", tpl.Title, err)
			}
		}
		if err := e.Events.Append(ctx, tx, "task.created", e.marketplaceID(), "task", t.ID, opts.ActorID, events.EventPayload{
			"title": t.Title, "stage": opts.Stage, "context_type": opts.ContextType, "context_id": opts.ContextID,
		}); err != nil {
			return nil, err
		}
		createdByTitle[t.Title] = t.ID
		created = append(created, t)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

// resolveDependencies maps dependency titles to task ids: same-call creations
// first, then persisted tasks for the context. A title that resolves to
// nothing is silently dropped; templates may reference tasks a different
// stage has not produced yet.
func (e Engine) resolveDependencies(ctx context.Context, opts ExpandStageOptions, tpl config.TaskTemplate, createdByTitle map[string]string) ([]string, error) {
	var deps []string
	for _, depTitle := range tpl.DependsOn {
		if id, ok := createdByTitle[depTitle]; ok {
			deps = append(deps, id)
			continue
		}
		id, err := e.Repo.TaskIDByTitle(ctx, opts.ContextType, opts.ContextID, depTitle)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve dependency %q: %w", depTitle, err)
		}
		deps = append(deps, id)
	}
	return deps, nil
}

func (e Engine) contextJurisdiction(ctx context.Context, contextType, contextID string) (string, error) {
	switch contextType {
	case "deal":
		d, err := e.Repo.GetDeal(ctx, contextID)
		if err != nil {
			return "", err
		}
		return d.Jurisdiction, nil
	case "listing":
		l, err := e.Repo.GetListing(ctx, contextID)
		if err != nil {
			return "", err
		}
		return l.Jurisdiction, nil
	default:
		return "", fmt.Errorf("unknown context type %s", contextType)
	}
}

// taskID derives a stable id from the context and title; the same template
// expanding for the same context always yields the same id.
func taskID(contextType, contextID, title string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(contextType+"|"+contextID+"|"+title)).String()
}

// UpdateTaskStatus moves a task through its status set. Completion requires
// every dependency to be completed or skipped first.
func (e Engine) UpdateTaskStatus(ctx context.Context, taskID, status, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if err := ensureTaskTransition(t.Status, status); err != nil {
		return t, err
	}
	if status == "completed" {
		for _, dep := range t.DependsOn {
			d, err := e.Repo.GetTask(ctx, dep)
			if err != nil {
				return t, err
			}
			if d.Status != "completed" && d.Status != "skipped" {
				return t, fmt.Errorf("dependency %q not completed", d.Title)
			}
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	var completedAt *string
	if status == "completed" {
		completedAt = &now
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskStatus(ctx, tx, taskID, status, now, completedAt); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", e.marketplaceID(), "task", taskID, actorID, events.EventPayload{
		"from_status": t.Status, "to_status": status,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Status = status
	t.UpdatedAt = now
	t.CompletedAt = completedAt
	return t, nil
}

func ensureTaskTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "pending":
		if newStatus == "in_progress" || newStatus == "blocked" || newStatus == "skipped" {
			return nil
		}
	case "in_progress":
		if newStatus == "completed" || newStatus == "blocked" || newStatus == "skipped" {
			return nil
		}
	case "blocked":
		if newStatus == "pending" || newStatus == "in_progress" || newStatus == "skipped" {
			return nil
		}
	case "skipped":
		if newStatus == "pending" {
			return nil
		}
	}
	return fmt.Errorf("invalid task status transition %s -> %s", oldStatus, newStatus)
}
