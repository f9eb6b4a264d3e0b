package dimensions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/karloscodes/cartridge/cache"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tally/internal/models"
)

var (
	ErrInvalidDevice  = errors.New("dimensions: unknown device")
	ErrInvalidCountry = errors.New("dimensions: country must be two ASCII letters")
	ErrInvalidPage    = errors.New("dimensions: page path is required")
	ErrUnknownType    = errors.New("dimensions: unknown dimension type")
)

const (
	defaultMemoTTL    = 10 * time.Minute
	defaultTimeout    = 10 * time.Second
	utmKeySeparator   = "\x1f"
	maxPagePathLength = 2048
)

// record is a dimension row carrying a surrogate key.
type record interface {
	Page | UTM | Country
	surrogate() uint
}

// Resolver turns natural dimension values into surrogate keys, creating rows
// on first sight. Keys are immutable, so resolved keys are memoized.
type Resolver struct {
	db      *gorm.DB
	logger  *slog.Logger
	timeout time.Duration

	pages     *cache.Cache[string, uint]
	utms      *cache.Cache[string, uint]
	countries *cache.Cache[string, uint]

	upper cases.Caser
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimeout bounds each get-or-create performed on a memo miss.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewResolver creates a resolver backed by db.
func NewResolver(db *gorm.DB, logger *slog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		db:      db,
		logger:  logger,
		timeout: defaultTimeout,
		upper:   cases.Upper(language.AmericanEnglish),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.pages = cache.NewCache[string, uint](logger, defaultMemoTTL, func(path string) (uint, error) {
		return r.fetch(func(ctx context.Context) (uint, error) {
			return getOrCreate(ctx, r, map[string]any{"path": path}, Page{Path: path})
		})
	})
	r.utms = cache.NewCache[string, uint](logger, defaultMemoTTL, func(key string) (uint, error) {
		parts := strings.SplitN(key, utmKeySeparator, 3)
		row := UTM{Source: parts[0], Medium: parts[1], Campaign: parts[2]}
		return r.fetch(func(ctx context.Context) (uint, error) {
			return getOrCreate(ctx, r, map[string]any{
				"source":   row.Source,
				"medium":   row.Medium,
				"campaign": row.Campaign,
			}, row)
		})
	})
	r.countries = cache.NewCache[string, uint](logger, defaultMemoTTL, func(iso2 string) (uint, error) {
		return r.fetch(func(ctx context.Context) (uint, error) {
			return getOrCreate(ctx, r, map[string]any{"iso2": iso2}, Country{ISO2: iso2})
		})
	})

	return r
}

// fetch runs a memo miss under the resolver's own deadline, since the memo
// loader has no caller context.
func (r *Resolver) fetch(f func(ctx context.Context) (uint, error)) (uint, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return f(ctx)
}

// Resolve returns the surrogate key of a dimension value. UTM takes source,
// medium and campaign; every other type takes a single part.
func (r *Resolver) Resolve(ctx context.Context, typ Type, parts ...string) (uint, error) {
	first := ""
	if len(parts) > 0 {
		first = parts[0]
	}

	switch typ {
	case TypePage:
		return r.ResolvePage(ctx, first)
	case TypeUTM:
		var source, medium, campaign string
		if len(parts) > 0 {
			source = parts[0]
		}
		if len(parts) > 1 {
			medium = parts[1]
		}
		if len(parts) > 2 {
			campaign = parts[2]
		}
		return r.ResolveUTM(ctx, source, medium, campaign)
	case TypeDevice:
		return r.ResolveDevice(ctx, first)
	case TypeCountry:
		return r.ResolveCountry(ctx, first)
	default:
		return Unknown, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}

// ResolvePage returns the key for a page path.
func (r *Resolver) ResolvePage(ctx context.Context, path string) (uint, error) {
	path = strings.TrimSpace(path)
	if path == "" || len(path) > maxPagePathLength {
		return Unknown, ErrInvalidPage
	}
	if err := ctx.Err(); err != nil {
		return Unknown, err
	}
	return r.pages.Get(path)
}

// ResolveUTM returns the key for a UTM triple. An all-empty triple means no
// attribution and yields Unknown without touching storage.
func (r *Resolver) ResolveUTM(ctx context.Context, source, medium, campaign string) (uint, error) {
	source = strings.TrimSpace(source)
	medium = strings.TrimSpace(medium)
	campaign = strings.TrimSpace(campaign)
	if source == "" && medium == "" && campaign == "" {
		return Unknown, nil
	}
	if err := ctx.Err(); err != nil {
		return Unknown, err
	}
	return r.utms.Get(strings.Join([]string{source, medium, campaign}, utmKeySeparator))
}

// ResolveDevice maps a device name onto the fixed enumeration.
func (r *Resolver) ResolveDevice(_ context.Context, name string) (uint, error) {
	id, ok := deviceKeys[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Unknown, fmt.Errorf("%w: %q", ErrInvalidDevice, name)
	}
	return id, nil
}

// ResolveCountry returns the key for a country code, case-insensitively.
func (r *Resolver) ResolveCountry(ctx context.Context, code string) (uint, error) {
	iso2, err := r.NormalizeCountry(code)
	if err != nil {
		return Unknown, err
	}
	if err := ctx.Err(); err != nil {
		return Unknown, err
	}
	return r.countries.Get(iso2)
}

// NormalizeCountry trims and upper-cases a country code and checks its shape.
func (r *Resolver) NormalizeCountry(code string) (string, error) {
	iso2 := r.upper.String(strings.TrimSpace(code))
	if len(iso2) != 2 {
		return "", ErrInvalidCountry
	}
	for i := 0; i < len(iso2); i++ {
		if iso2[i] < 'A' || iso2[i] > 'Z' {
			return "", ErrInvalidCountry
		}
	}
	return iso2, nil
}

// Lookup returns the natural value stored for a key, for display.
func (r *Resolver) Lookup(ctx context.Context, typ Type, id uint) (string, error) {
	if id == Unknown {
		return UnknownLabel, nil
	}
	db := r.db.WithContext(ctx)

	switch typ {
	case TypePage:
		var row Page
		if err := db.Take(&row, id).Error; err != nil {
			return "", err
		}
		return row.Path, nil
	case TypeUTM:
		var row UTM
		if err := db.Take(&row, id).Error; err != nil {
			return "", err
		}
		return row.Label(), nil
	case TypeDevice:
		var row Device
		if err := db.Take(&row, id).Error; err != nil {
			return "", err
		}
		return row.Name, nil
	case TypeCountry:
		var row Country
		if err := db.Take(&row, id).Error; err != nil {
			return "", err
		}
		return row.ISO2, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}

// Reset drops memoized keys. Only needed after dimension tables are wiped.
func (r *Resolver) Reset() {
	r.pages.Clear()
	r.utms.Clear()
	r.countries.Clear()
}

// getOrCreate reads a row by its natural key and inserts it if absent. The
// insert ignores conflicts and the row is read again, so racing callers all
// end up with the key of whichever insert won.
func getOrCreate[T record](ctx context.Context, r *Resolver, natural map[string]any, row T) (uint, error) {
	var found T
	err := r.db.WithContext(ctx).Where(natural).Take(&found).Error
	if err == nil {
		return found.surrogate(), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Unknown, fmt.Errorf("dimensions: lookup: %w", err)
	}

	var id uint
	err = models.PerformWrite(r.logger, r.db.WithContext(ctx), func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return err
		}
		var created T
		if err := tx.Where(natural).Take(&created).Error; err != nil {
			return err
		}
		id = created.surrogate()
		return nil
	})
	if err != nil {
		return Unknown, fmt.Errorf("dimensions: create: %w", err)
	}
	return id, nil
}
