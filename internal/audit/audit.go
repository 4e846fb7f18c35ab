package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

// GenesisHash is the previous hash of the first event in a chain.
const GenesisHash = "genesis"

// Service appends events to the chain and answers queries over it.
type Service struct {
	repo      Repository
	forwarder Forwarder
	logger    *slog.Logger
	now       func() time.Time

	// mu serializes appends so sequence and prev hash stay consistent.
	mu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithForwarder ships every stored event to f.
func WithForwarder(f Forwarder) Option {
	return func(s *Service) { s.forwarder = f }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an audit service.
func NewService(repo Repository, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{repo: repo, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewServiceWithSIEM creates an audit service forwarding to an HTTP SIEM
// endpoint when cfg is enabled.
func NewServiceWithSIEM(repo Repository, logger *slog.Logger, cfg *SIEMConfig) *Service {
	if cfg == nil || !cfg.Enabled {
		return NewService(repo, logger)
	}
	return NewService(repo, logger, WithForwarder(NewHTTPForwarder(cfg)))
}

// Log appends event to the chain.
func (s *Service) Log(ctx context.Context, event *models.AuditEvent) error {
	if event == nil {
		return errors.NewValidationError("event", "required")
	}
	if event.EventType == "" {
		return fmt.Errorf("event type is required: %w", errors.ErrInvalidInput)
	}
	if event.Actor == "" {
		return fmt.Errorf("actor is required: %w", errors.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	// Storage keeps microseconds; hash what will be read back.
	event.Timestamp = event.Timestamp.UTC().Truncate(time.Microsecond)
	if event.Result == "" {
		event.Result = models.AuditEventResultSuccess
	}

	prev, err := s.repo.Latest(ctx)
	if err != nil {
		return fmt.Errorf("failed to read chain head: %w", err)
	}
	event.Sequence = 1
	event.PrevHash = GenesisHash
	if prev != nil {
		event.Sequence = prev.Sequence + 1
		event.PrevHash = prev.ChainHash
	}
	event.DataHash, err = ComputeEventHash(event)
	if err != nil {
		return err
	}
	event.ChainHash = ComputeChainHash(event.DataHash, event.PrevHash)

	if err := s.repo.Create(ctx, event); err != nil {
		return fmt.Errorf("failed to create audit event: %w", err)
	}

	if s.forwarder != nil {
		forwarded := *event
		//nolint:contextcheck // forwarding outlives the request
		go func() {
			if err := s.forwarder.Forward(context.Background(), &forwarded); err != nil {
				s.logger.Warn("failed to forward audit event", "id", forwarded.ID, "error", err)
			}
		}()
	}
	return nil
}

// ComputeEventHash hashes the event content. Metadata is hashed in its
// canonical JSON form.
func ComputeEventHash(event *models.AuditEvent) (string, error) {
	meta := []byte("null")
	if len(event.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(event.Metadata)
		if err != nil {
			return "", fmt.Errorf("failed to encode audit metadata: %w", err)
		}
	}

	h := sha256.New()
	for _, part := range []string{
		event.ID,
		strconv.FormatInt(event.Sequence, 10),
		event.Timestamp.UTC().Format(time.RFC3339Nano),
		string(event.EventType),
		event.Actor,
		event.Subject,
		string(event.Result),
		string(meta),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeChainHash links an event hash to its predecessor.
func ComputeChainHash(dataHash, prevHash string) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(dataHash))
	return hex.EncodeToString(h.Sum(nil))
}

// Query returns events matching query, newest first.
func (s *Service) Query(ctx context.Context, query QueryParams) ([]*models.AuditEvent, error) {
	events, err := s.repo.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	return events, nil
}

// Get returns one event.
func (s *Service) Get(ctx context.Context, id string) (*models.AuditEvent, error) {
	event, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit event: %w", err)
	}
	return event, nil
}

// Export renders matching events as JSON or CSV.
func (s *Service) Export(ctx context.Context, query QueryParams, format ExportFormat) ([]byte, error) {
	events, err := s.repo.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events for export: %w", err)
	}

	switch format {
	case ExportFormatJSON, "":
		if events == nil {
			events = []*models.AuditEvent{}
		}
		data, err := json.MarshalIndent(events, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal audit events to JSON: %w", err)
		}
		return data, nil
	case ExportFormatCSV:
		return exportCSV(events)
	default:
		return nil, errors.NewValidationError("format", fmt.Sprintf("unsupported format %q", format))
	}
}

func exportCSV(events []*models.AuditEvent) ([]byte, error) {
	var buf strings.Builder
	w := csv.NewWriter(&buf)

	header := []string{"sequence", "id", "timestamp", "event_type", "actor", "subject", "result", "chain_hash"}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, e := range events {
		row := []string{
			strconv.FormatInt(e.Sequence, 10),
			e.ID,
			e.Timestamp.Format(time.RFC3339),
			string(e.EventType),
			e.Actor,
			e.Subject,
			string(e.Result),
			e.ChainHash,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	w.Flush()
	return []byte(buf.String()), w.Error()
}

// Verify recomputes every hash in the chain and checks the links.
func (s *Service) Verify(ctx context.Context) (*VerifyReport, error) {
	events, err := s.repo.Query(ctx, QueryParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events for verification: %w", err)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })

	report := &VerifyReport{Valid: true}
	prevHash := GenesisHash
	for i, e := range events {
		report.EventsChecked++
		fail := func(problem string) (*VerifyReport, error) {
			report.Valid = false
			report.BrokenAt = e.ID
			report.Problem = problem
			s.logger.WarnContext(ctx, "audit chain broken", "id", e.ID, "sequence", e.Sequence, "problem", problem)
			return report, nil
		}

		if e.Sequence != int64(i+1) {
			return fail(fmt.Sprintf("expected sequence %d, found %d", i+1, e.Sequence))
		}
		if e.PrevHash != prevHash {
			return fail("previous hash does not match")
		}
		data, err := ComputeEventHash(e)
		if err != nil {
			return nil, err
		}
		if data != e.DataHash {
			return fail("event content modified")
		}
		if ComputeChainHash(e.DataHash, e.PrevHash) != e.ChainHash {
			return fail("chain hash does not match")
		}
		prevHash = e.ChainHash
	}
	return report, nil
}

// Stats summarizes events since the given time.
func (s *Service) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	events, err := s.repo.Query(ctx, QueryParams{Since: since})
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}

	stats := &Stats{
		TotalEvents:  int64(len(events)),
		EventsByType: make(map[models.AuditEventType]int64),
	}
	actors := make(map[string]struct{})
	for _, e := range events {
		switch e.Result {
		case models.AuditEventResultSuccess:
			stats.SuccessCount++
		case models.AuditEventResultError:
			stats.ErrorCount++
		case models.AuditEventResultDenied:
			stats.DeniedCount++
		}
		stats.EventsByType[e.EventType]++
		actors[e.Actor] = struct{}{}
	}
	stats.UniqueActors = int64(len(actors))
	return stats, nil
}

// HTTPForwarder posts events as JSON to a SIEM endpoint.
type HTTPForwarder struct {
	config *SIEMConfig
	client *http.Client
}

// NewHTTPForwarder creates a forwarder for cfg.
func NewHTTPForwarder(cfg *SIEMConfig) *HTTPForwarder {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPForwarder{config: cfg, client: &http.Client{Timeout: timeout}}
}

func (f *HTTPForwarder) Forward(ctx context.Context, event *models.AuditEvent) error {
	if f.config.Endpoint == "" {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	retries := f.config.RetryCount
	if retries == 0 {
		retries = 3
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.config.Endpoint, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if f.config.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+f.config.APIKey)
		}

		resp, err := f.client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("SIEM returned status %d", resp.StatusCode)
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
		}
	}
	return fmt.Errorf("failed to forward event after %d attempts: %w", retries, lastErr)
}
