package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tally/internal/dimensions"
	"tally/internal/metrics"
	"tally/internal/models"
)

// ErrBatchTooLarge is returned before any work when a batch exceeds MaxBatchSize.
var ErrBatchTooLarge = fmt.Errorf("events: batch exceeds %d events", MaxBatchSize)

const reasonStorage = "storage error"

// DimensionResolver is the subset of dimensions.Resolver used by ingest.
type DimensionResolver interface {
	ResolvePage(ctx context.Context, path string) (uint, error)
	ResolveUTM(ctx context.Context, source, medium, campaign string) (uint, error)
	ResolveDevice(ctx context.Context, name string) (uint, error)
	ResolveCountry(ctx context.Context, code string) (uint, error)
}

// Ingester validates events, resolves their dimensions and appends facts.
type Ingester struct {
	db       *gorm.DB
	resolver DimensionResolver
	logger   *slog.Logger
	metrics  *metrics.Metrics
	validate *validator.Validate
}

// NewIngester creates an ingester. m may be nil.
func NewIngester(db *gorm.DB, resolver DimensionResolver, logger *slog.Logger, m *metrics.Metrics) *Ingester {
	return &Ingester{
		db:       db,
		resolver: resolver,
		logger:   logger,
		metrics:  m,
		validate: newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	// Registration only fails on an empty tag or nil func.
	_ = v.RegisterValidation("device", func(fl validator.FieldLevel) bool {
		name := strings.ToLower(strings.TrimSpace(fl.Field().String()))
		for _, known := range dimensions.DeviceNames {
			if name == known {
				return true
			}
		}
		return false
	})
	_ = v.RegisterValidation("jsonobject", func(fl validator.FieldLevel) bool {
		value, ok := fl.Field().Interface().(models.JSON)
		return ok && value.IsObject()
	})

	return v
}

// Ingest stores the valid events of batch. Invalid events are reported by
// index and never abort the batch. The only top-level error is ErrBatchTooLarge.
func (in *Ingester) Ingest(ctx context.Context, batch []EventInput) (*BatchResult, error) {
	if len(batch) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}

	result := &BatchResult{Errors: []ItemError{}}
	for i := range batch {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(batch); j++ {
				result.reject(j, "", "ingest cancelled")
			}
			in.logger.Warn("Ingest interrupted", slog.Int("remaining", len(batch)-i), slog.Any("error", err))
			break
		}

		if item := in.ingestOne(ctx, i, &batch[i]); item != nil {
			result.reject(item.Index, item.Field, item.Reason)
			continue
		}
		result.Accepted++
	}

	in.metrics.IngestAccepted(result.Accepted)
	in.metrics.IngestRejected(result.Rejected)
	return result, nil
}

func (r *BatchResult) reject(index int, field, reason string) {
	r.Rejected++
	r.Errors = append(r.Errors, ItemError{Index: index, Field: field, Reason: reason})
}

func (in *Ingester) ingestOne(ctx context.Context, index int, input *EventInput) *ItemError {
	if err := in.validate.StructCtx(ctx, input); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
			fe := validationErrs[0]
			return &ItemError{Index: index, Field: fe.Field(), Reason: describe(fe)}
		}
		return &ItemError{Index: index, Reason: err.Error()}
	}

	event, field, err := in.buildFact(ctx, input)
	if err != nil {
		if field != "" {
			return &ItemError{Index: index, Field: field, Reason: err.Error()}
		}
		in.logger.Error("Failed to resolve dimensions", slog.Int("index", index), slog.Any("error", err))
		return &ItemError{Index: index, Reason: reasonStorage}
	}

	err = models.PerformWrite(in.logger, in.db.WithContext(ctx), func(tx *gorm.DB) error {
		return tx.Omit(clause.Associations).Create(event).Error
	})
	if err != nil {
		in.logger.Error("Failed to store event", slog.Int("index", index), slog.Any("error", err))
		return &ItemError{Index: index, Reason: reasonStorage}
	}
	return nil
}

// buildFact resolves every dimension of input. A returned field name marks a
// validation problem; an empty one marks a storage failure.
func (in *Ingester) buildFact(ctx context.Context, input *EventInput) (*Event, string, error) {
	pageID, err := in.resolver.ResolvePage(ctx, input.PagePath)
	if err != nil {
		return nil, fieldFor(err, dimensions.ErrInvalidPage, "page_path"), err
	}

	deviceID, err := in.resolver.ResolveDevice(ctx, input.Device)
	if err != nil {
		return nil, fieldFor(err, dimensions.ErrInvalidDevice, "device"), err
	}

	countryID, err := in.resolver.ResolveCountry(ctx, input.CountryISO2)
	if err != nil {
		return nil, fieldFor(err, dimensions.ErrInvalidCountry, "country_iso2"), err
	}

	var utmID *uint
	id, err := in.resolver.ResolveUTM(ctx, input.UTMSource, input.UTMMedium, input.UTMCampaign)
	if err != nil {
		return nil, "", err
	}
	if id != dimensions.Unknown {
		utmID = &id
	}

	event := &Event{
		EventTime: input.EventTime.UTC(),
		SessionID: input.SessionID,
		UserHash:  input.UserHash,
		PageID:    pageID,
		UTMID:     utmID,
		DeviceID:  deviceID,
		CountryID: countryID,
		EventType: input.EventType,
	}
	if len(input.EventValue) > 0 && string(input.EventValue) != "null" {
		event.EventValue = input.EventValue
	}
	return event, "", nil
}

func fieldFor(err, sentinel error, field string) string {
	if errors.Is(err, sentinel) {
		return field
	}
	return ""
}

func describe(fe validator.FieldError) string {
	switch fe.ActualTag() {
	case "required":
		return "is required"
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "alpha":
		return "must contain only letters"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "device":
		return "must be one of: " + strings.Join(dimensions.DeviceNames, " ")
	case "jsonobject":
		return "must be a JSON object"
	default:
		return fmt.Sprintf("failed %s validation", fe.ActualTag())
	}
}
