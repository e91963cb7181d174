package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phrazzld/genpipe/internal/dispatch"
	"github.com/phrazzld/genpipe/internal/domain"
	"github.com/phrazzld/genpipe/internal/idempotency"
	"github.com/phrazzld/genpipe/internal/pipeline"
	"github.com/phrazzld/genpipe/internal/store"
)

// SubmitRequest is the input of Submit.
type SubmitRequest struct {
	UserID uuid.UUID
	Params domain.GenerationParams
	Count  int
	// IdempotencyKey is optional. Repeating a key replays the first handle.
	IdempotencyKey string
}

// submitInput carries the static validation rules of a submission.
type submitInput struct {
	Prompt      string   `validate:"max=2000"`
	Scene       string   `validate:"max=64"`
	Style       string   `validate:"max=64"`
	Tier        string   `validate:"omitempty,oneof=standard hd"`
	AspectRatio string   `validate:"omitempty,oneof=1:1 3:4 4:3 9:16 16:9"`
	AssetRefs   []string `validate:"dive,required,max=512"`
	Count       int      `validate:"gte=1"`
}

// Submission is the handle returned to the client.
type Submission struct {
	TaskID uuid.UUID `json:"task_id"`
	WorkID uuid.UUID `json:"work_id"`
	// Replayed is true when the handle came from an earlier submission with
	// the same idempotency key.
	Replayed bool `json:"-"`
}

// TaskView is the client-facing state of a task.
type TaskView struct {
	TaskID       uuid.UUID         `json:"task_id"`
	WorkID       uuid.UUID         `json:"work_id"`
	Status       domain.TaskStatus `json:"status"`
	Progress     int               `json:"progress"`
	Images       []domain.Image    `json:"images"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// GenerationService is the use-case surface of the pipeline.
type GenerationService interface {
	// Submit validates, charges and dispatches a generation request. It
	// returns before the worker runs.
	Submit(ctx context.Context, req SubmitRequest) (*Submission, error)

	// Query returns the state of a task owned by userID.
	Query(ctx context.Context, userID, taskID uuid.UUID) (*TaskView, error)

	// Cancel marks a non-terminal task cancelled. It does not stop a running
	// worker and does not refund.
	Cancel(ctx context.Context, userID, taskID uuid.UUID) (*TaskView, error)

	// Balance returns the user's spendable credits.
	Balance(ctx context.Context, userID uuid.UUID) (int, error)
}

// IdempotencyRegistry de-duplicates keyed submissions.
type IdempotencyRegistry interface {
	Claim(ctx context.Context, key string) (idempotency.Claim, error)
	Complete(ctx context.Context, key, result string) error
	Release(ctx context.Context, key string) error
}

// GenerationConfig holds the submission limits and pricing.
type GenerationConfig struct {
	MaxCount       int
	MaxAssetRefs   int
	Pricing        domain.Pricing
	EnqueueTimeout time.Duration
	// Scenes lists the accepted scene identifiers. Empty accepts any.
	Scenes map[string]string
}

type generationService struct {
	db          *sql.DB
	tasks       store.TaskStore
	works       store.WorkStore
	ledger      store.CreditLedger
	finalizer   *pipeline.Finalizer
	dispatcher  dispatch.Dispatcher
	idempotency IdempotencyRegistry
	validate    *validator.Validate
	cfg         GenerationConfig
	logger      *slog.Logger
}

var _ GenerationService = (*generationService)(nil)

// NewGenerationService creates a GenerationService. The idempotency
// registry may be nil, in which case keys are ignored.
func NewGenerationService(
	db *sql.DB,
	tasks store.TaskStore,
	works store.WorkStore,
	ledger store.CreditLedger,
	finalizer *pipeline.Finalizer,
	dispatcher dispatch.Dispatcher,
	registry IdempotencyRegistry,
	cfg GenerationConfig,
	logger *slog.Logger,
) (GenerationService, error) {
	switch {
	case db == nil:
		return nil, &GenerationServiceError{Operation: "create_service", Message: "db cannot be nil"}
	case tasks == nil || works == nil || ledger == nil:
		return nil, &GenerationServiceError{Operation: "create_service", Message: "stores cannot be nil"}
	case finalizer == nil:
		return nil, &GenerationServiceError{Operation: "create_service", Message: "finalizer cannot be nil"}
	case dispatcher == nil:
		return nil, &GenerationServiceError{Operation: "create_service", Message: "dispatcher cannot be nil"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = 3
	}
	if cfg.MaxAssetRefs <= 0 {
		cfg.MaxAssetRefs = 4
	}
	if len(cfg.Pricing) == 0 {
		cfg.Pricing = domain.DefaultPricing()
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 3 * time.Second
	}

	return &generationService{
		db:          db,
		tasks:       tasks,
		works:       works,
		ledger:      ledger,
		finalizer:   finalizer,
		dispatcher:  dispatcher,
		idempotency: registry,
		validate:    validator.New(),
		cfg:         cfg,
		logger:      logger.With("component", "generation_service"),
	}, nil
}

// Submit implements GenerationService.
func (s *generationService) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	if err := s.validateSubmit(req); err != nil {
		return nil, err
	}
	log := s.logger.With("user_id", req.UserID)

	var idemKey string
	if s.idempotency != nil && req.IdempotencyKey != "" {
		idemKey = idempotency.Key(req.UserID, req.IdempotencyKey)
		claim, err := s.idempotency.Claim(ctx, idemKey)
		if err != nil {
			return nil, NewGenerationServiceError("submit", "failed to claim idempotency key", err)
		}
		if claim.Pending {
			return nil, domain.ErrDuplicateSubmission
		}
		if !claim.Claimed {
			var prev Submission
			if err := json.Unmarshal([]byte(claim.Result), &prev); err != nil {
				return nil, NewGenerationServiceError("submit", "failed to decode recorded submission", err)
			}
			prev.Replayed = true
			log.InfoContext(ctx, "replaying submission", "task_id", prev.TaskID)
			return &prev, nil
		}
	}

	sub, task, err := s.create(ctx, req)
	if err != nil {
		if idemKey != "" {
			_ = s.idempotency.Release(ctx, idemKey)
		}
		return nil, err
	}
	log = log.With("task_id", task.ID)
	log.InfoContext(ctx, "task submitted", "count", task.Count, "cost", task.Cost)

	if idemKey != "" {
		encoded, _ := json.Marshal(sub)
		if err := s.idempotency.Complete(ctx, idemKey, string(encoded)); err != nil {
			log.WarnContext(ctx, "failed to record idempotency result", "error", err)
		}
	}

	s.dispatch(ctx, task, log)
	return sub, nil
}

// create reserves the credits and writes the Task and Work in one
// transaction.
func (s *generationService) create(ctx context.Context, req SubmitRequest) (*Submission, *domain.Task, error) {
	params := req.Params
	params.Tier = params.Tier.OrDefault()
	cost := domain.Cost(req.Count, params.Tier, s.cfg.Pricing)

	task, err := domain.NewTask(req.UserID, params, req.Count, cost)
	if err != nil {
		return nil, nil, NewGenerationServiceError("submit", "failed to build task", err)
	}
	work, err := domain.NewWork(task)
	if err != nil {
		return nil, nil, NewGenerationServiceError("submit", "failed to build work", err)
	}

	err = store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := s.ledger.WithTx(tx).Reserve(ctx, task.UserID, task.ID, task.Cost); err != nil {
			if errors.Is(err, store.ErrUserNotFound) {
				return domain.ErrInsufficientCredits
			}
			return err
		}
		if err := s.tasks.WithTx(tx).CreateTask(ctx, task); err != nil {
			return err
		}
		return s.works.WithTx(tx).CreateWork(ctx, work)
	})
	if err != nil {
		return nil, nil, NewGenerationServiceError("submit", "failed to create task", err)
	}

	return &Submission{TaskID: task.ID, WorkID: work.ID}, task, nil
}

// dispatch hands the task to a worker. Only a fatal rejection changes the
// task; a transient failure leaves it to the worker and the sweeper.
func (s *generationService) dispatch(ctx context.Context, task *domain.Task, log *slog.Logger) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.EnqueueTimeout)
	defer cancel()

	err := s.dispatcher.Dispatch(dctx, dispatch.Job{TaskID: task.ID, UserID: task.UserID})
	de := dispatch.Classify(err)
	if de == nil {
		return
	}

	if !de.IsFatal() {
		log.WarnContext(ctx, "dispatch timed out, trusting worker", "error", err)
		return
	}

	log.ErrorContext(ctx, "dispatch rejected, failing task", "error", err)
	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.EnqueueTimeout)
	defer fcancel()
	out, ferr := s.finalizer.Fail(fctx, task.ID, domain.ErrDispatchFailed.Error())
	if ferr != nil {
		// The sweeper expires and refunds the task later.
		log.ErrorContext(ctx, "failed to finalize undispatched task", "error", ferr)
		return
	}
	log.InfoContext(ctx, "undispatched task failed",
		"won", out.Won,
		"refunded", out.Refunded)
}

func (s *generationService) validateSubmit(req SubmitRequest) error {
	if req.UserID == uuid.Nil {
		return domain.NewValidationError("user_id", "is required")
	}

	in := submitInput{
		Prompt:      req.Params.Prompt,
		Scene:       req.Params.Scene,
		Style:       req.Params.Style,
		Tier:        string(req.Params.Tier),
		AspectRatio: req.Params.AspectRatio,
		AssetRefs:   req.Params.AssetRefs,
		Count:       req.Count,
	}
	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return domain.NewValidationError(fieldName(verrs[0].Field()), describe(verrs[0]))
		}
		return domain.NewValidationError("", err.Error())
	}

	if req.Count > s.cfg.MaxCount {
		return domain.NewValidationError("count", fmt.Sprintf("must be at most %d", s.cfg.MaxCount))
	}
	if len(req.Params.AssetRefs) > s.cfg.MaxAssetRefs {
		return domain.NewValidationError("asset_refs", fmt.Sprintf("must contain at most %d references", s.cfg.MaxAssetRefs))
	}
	if req.Params.Prompt == "" && req.Params.Scene == "" && !req.Params.HasInputImages() {
		return domain.NewValidationError("prompt", "prompt, scene or asset_refs is required")
	}
	if req.Params.Scene != "" && len(s.cfg.Scenes) > 0 {
		if _, ok := s.cfg.Scenes[req.Params.Scene]; !ok {
			return domain.NewValidationError("scene", "is not a known scene")
		}
	}
	return nil
}

var fieldNames = map[string]string{
	"Prompt":      "prompt",
	"Scene":       "scene",
	"Style":       "style",
	"Tier":        "tier",
	"AspectRatio": "aspect_ratio",
	"AssetRefs":   "asset_refs",
	"Count":       "count",
}

func fieldName(f string) string {
	if i := strings.IndexByte(f, '['); i > 0 {
		f = f[:i]
	}
	if n, ok := fieldNames[f]; ok {
		return n
	}
	return f
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "gte":
		return "must be at least " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "is invalid"
	}
}

// Query implements GenerationService.
func (s *generationService) Query(ctx context.Context, userID, taskID uuid.UUID) (*TaskView, error) {
	task, err := s.ownedTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	work, err := s.works.GetWorkByTask(ctx, taskID)
	if err != nil {
		return nil, NewGenerationServiceError("query", "failed to load work", err)
	}
	return newTaskView(task, work), nil
}

// Cancel implements GenerationService.
func (s *generationService) Cancel(ctx context.Context, userID, taskID uuid.UUID) (*TaskView, error) {
	task, err := s.ownedTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, domain.ErrTaskTerminal
	}

	out, err := s.finalizer.Cancel(ctx, taskID)
	if err != nil {
		return nil, NewGenerationServiceError("cancel", "failed to cancel task", err)
	}
	if !out.Won {
		return nil, domain.ErrTaskTerminal
	}
	s.logger.InfoContext(ctx, "task cancelled", "task_id", taskID, "user_id", userID)

	return s.Query(ctx, userID, taskID)
}

// Balance implements GenerationService.
func (s *generationService) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	balance, err := s.ledger.Balance(ctx, userID)
	if errors.Is(err, store.ErrUserNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, NewGenerationServiceError("balance", "failed to read balance", err)
	}
	return balance, nil
}

func (s *generationService) ownedTask(ctx context.Context, userID, taskID uuid.UUID) (*domain.Task, error) {
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, NewGenerationServiceError("get_task", "failed to load task", err)
	}
	if task.UserID != userID {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

func newTaskView(task *domain.Task, work *domain.Work) *TaskView {
	view := &TaskView{
		TaskID:       task.ID,
		WorkID:       work.ID,
		Status:       task.Status,
		Progress:     task.Status.Progress(),
		Images:       []domain.Image{},
		ErrorMessage: task.ErrorMessage,
		CreatedAt:    task.CreatedAt,
		UpdatedAt:    task.UpdatedAt,
	}
	if task.Status == domain.TaskStatusCompleted && work.Images != nil {
		view.Images = work.Images
	}
	return view
}
