package attendance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"fieldops.org/internal/geo"
	"fieldops.org/internal/ids"
	"fieldops.org/internal/obs"
)

// DefaultVerifyTimeout bounds a single identity verification call.
const DefaultVerifyTimeout = 10 * time.Second

// VerifyRequest is what the identity verifier sees for one check-in.
type VerifyRequest struct {
	ImageRef     string
	SubjectEmail string
}

// IdentityVerifier scores how well a captured image matches the enrolled subject.
// Scores are in [0,100].
type IdentityVerifier interface {
	Verify(ctx context.Context, req VerifyRequest) (float64, error)
}

// Uploader stores a raw capture and returns its reference.
type Uploader interface {
	Upload(ctx context.Context, img Image) (string, error)
}

// AddressResolver turns a position into a display address.
type AddressResolver interface {
	ReverseGeocode(ctx context.Context, p geo.Point) (string, error)
}

// Engine evaluates check-in attempts and persists one record per successful
// submission. It holds no per-submission state and is safe for concurrent use.
type Engine struct {
	verifier      IdentityVerifier
	store         RecordStore
	uploader      Uploader
	resolver      AddressResolver
	verifyTimeout time.Duration
	onApproved    func(context.Context, Record)
	now           func() time.Time
}

// Option configures Engine.
type Option func(*Engine)

// WithUploader enables submissions carrying raw images.
func WithUploader(u Uploader) Option {
	return func(e *Engine) { e.uploader = u }
}

// WithAddressResolver fills in missing addresses.
func WithAddressResolver(r AddressResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithVerifyTimeout overrides DefaultVerifyTimeout.
func WithVerifyTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.verifyTimeout = d
		}
	}
}

// WithOnApproved registers a hook invoked after an auto-approved record is stored.
func WithOnApproved(fn func(context.Context, Record)) Option {
	return func(e *Engine) { e.onApproved = fn }
}

// WithClock overrides the time source used for missing timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs an Engine.
func NewEngine(v IdentityVerifier, store RecordStore, opts ...Option) *Engine {
	e := &Engine{
		verifier:      v,
		store:         store,
		verifyTimeout: DefaultVerifyTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit validates the attempt, scores it, decides its status and stores the
// record. Validation and upstream failures create no record.
func (e *Engine) Submit(ctx context.Context, in CheckInAttempt) (Result, error) {
	res, rules, err := e.submit(ctx, in)
	if err != nil {
		obs.ObserveSubmissionFailure(ErrorCode(err))
		return Result{}, err
	}
	obs.ObserveDecision(string(res.Outcome.Status), rules, res.Outcome.FaceMatchConfidence, res.Outcome.DistanceFromTaskMeters)

	if res.Outcome.Status == StatusAutoApproved && e.onApproved != nil {
		e.onApproved(ctx, res.Record)
	}
	return res, nil
}

func (e *Engine) submit(ctx context.Context, in CheckInAttempt) (Result, []string, error) {
	strictness, err := validate(in)
	if err != nil {
		return Result{}, nil, err
	}
	fix := *in.Location

	imageRef := strings.TrimSpace(in.ImageRef)
	address := strings.TrimSpace(fix.Address)

	g, gctx := errgroup.WithContext(ctx)
	if imageRef == "" {
		img := *in.Image
		g.Go(func() error {
			ref, err := e.upload(gctx, img)
			if err != nil {
				return err
			}
			imageRef = ref
			return nil
		})
	}
	if address == "" {
		g.Go(func() error {
			address = e.resolveAddress(gctx, fix.Point)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, nil, err
	}

	confidence, err := e.verify(ctx, VerifyRequest{ImageRef: imageRef, SubjectEmail: in.Subject.Email})
	if err != nil {
		return Result{}, nil, err
	}

	var distance *float64
	if site, ok := in.Task.Site(); ok {
		d := geo.Distance(fix.Point, site)
		distance = &d
	}

	evaluated := evaluateRules(distance, confidence, in.Task)
	flags := make([]string, 0, len(evaluated))
	rules := make([]string, 0, len(evaluated))
	for _, f := range evaluated {
		flags = append(flags, f.message)
		rules = append(rules, f.rule)
	}
	status := DecideStatus(len(flags), strictness)

	checkIn := in.Timestamp
	if checkIn.IsZero() {
		checkIn = e.now()
	}
	role, _ := ParseRole(string(in.Subject.Role))

	rec := Record{
		UserEmail:           strings.TrimSpace(in.Subject.Email),
		UserName:            strings.TrimSpace(in.Subject.DisplayName),
		UserRole:            role,
		CheckInTime:         checkIn.UTC(),
		Latitude:            fix.Latitude,
		Longitude:           fix.Longitude,
		Address:             address,
		FaceImageURL:        imageRef,
		FaceMatchConfidence: confidence,
		LocationAccuracy:    fix.AccuracyMeters,
		DistanceFromTask:    roundMeters(distance),
		Status:              status,
		VerificationFlags:   flags,
		DeviceInfo:          strings.TrimSpace(in.DeviceInfo),
	}
	if in.Task != nil {
		rec.TaskID = in.Task.ID
		rec.TaskName = in.Task.Title
	}

	if err := e.store.Create(ctx, &rec); err != nil {
		return Result{}, nil, fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}

	return Result{
		Record: rec,
		Outcome: Outcome{
			DistanceFromTaskMeters: distance,
			FaceMatchConfidence:    confidence,
			Flags:                  flags,
			Status:                 status,
		},
	}, rules, nil
}

func validate(in CheckInAttempt) (Strictness, error) {
	if in.Location == nil {
		return "", fmt.Errorf("%w: location is required", ErrInvalidLocation)
	}
	if err := in.Location.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}
	if strings.TrimSpace(in.ImageRef) == "" && (in.Image == nil || len(in.Image.Data) == 0) {
		return "", ErrMissingImage
	}
	if !in.Timestamp.IsZero() && !ids.InRange(in.Timestamp) {
		return "", fmt.Errorf("%w: %s", ErrInvalidTime, in.Timestamp.UTC().Format(time.RFC3339))
	}
	if strings.TrimSpace(in.Subject.Email) == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidSubject)
	}
	if _, err := ParseRole(string(in.Subject.Role)); err != nil {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidSubject, in.Subject.Role)
	}
	if in.Task == nil {
		return StrictnessModerate, nil
	}
	strictness, err := ParseStrictness(string(in.Task.Strictness))
	if err != nil {
		return "", fmt.Errorf("%w: unknown strictness %q", ErrInvalidTask, in.Task.Strictness)
	}
	if site, ok := in.Task.Site(); ok {
		if err := site.Validate(); err != nil {
			return "", fmt.Errorf("%w: site %v", ErrInvalidTask, err)
		}
	}
	return strictness, nil
}

func (e *Engine) upload(ctx context.Context, img Image) (string, error) {
	if e.uploader == nil {
		return "", fmt.Errorf("%w: no uploader configured", ErrUploadFailed)
	}
	ref, err := e.uploader.Upload(ctx, img)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty image reference", ErrUploadFailed)
	}
	return ref, nil
}

func (e *Engine) verify(ctx context.Context, req VerifyRequest) (float64, error) {
	vctx, cancel := context.WithTimeout(ctx, e.verifyTimeout)
	defer cancel()

	score, err := e.verifier.Verify(vctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(vctx.Err(), context.DeadlineExceeded) {
			return 0, fmt.Errorf("%w: %v", ErrVerifierTimeout, err)
		}
		return 0, fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
	}
	if math.IsNaN(score) || score < 0 || score > 100 {
		return 0, fmt.Errorf("%w: score %v out of range", ErrVerifierUnavailable, score)
	}
	return score, nil
}

func (e *Engine) resolveAddress(ctx context.Context, p geo.Point) string {
	if e.resolver == nil {
		return geo.FormatPoint(p)
	}
	addr, err := e.resolver.ReverseGeocode(ctx, p)
	if err != nil || strings.TrimSpace(addr) == "" {
		obs.Log("warn", "reverse_geocode_failed", map[string]any{"error": fmt.Sprint(err)})
		return geo.FormatPoint(p)
	}
	return addr
}

func roundMeters(d *float64) *int64 {
	if d == nil {
		return nil
	}
	v := int64(math.Round(*d))
	return &v
}
