package dimensions_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tally/internal/dimensions"
	"tally/internal/testsupport"
)

func TestResolveCountry(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	resolver := dimensions.NewResolver(db, testsupport.GetLogger())
	ctx := context.Background()

	t.Run("is idempotent and case-insensitive", func(t *testing.T) {
		first, err := resolver.ResolveCountry(ctx, "kr")
		require.NoError(t, err)
		second, err := resolver.ResolveCountry(ctx, "KR")
		require.NoError(t, err)
		third, err := resolver.ResolveCountry(ctx, " Kr ")
		require.NoError(t, err)

		assert.NotEqual(t, dimensions.Unknown, first)
		assert.Equal(t, first, second)
		assert.Equal(t, first, third)

		var count int64
		require.NoError(t, db.Model(&dimensions.Country{}).Where("iso2 = ?", "KR").Count(&count).Error)
		assert.Equal(t, int64(1), count)
	})

	t.Run("rejects malformed codes", func(t *testing.T) {
		for _, code := range []string{"", "K", "KOR", "1A", "é1"} {
			_, err := resolver.ResolveCountry(ctx, code)
			assert.ErrorIs(t, err, dimensions.ErrInvalidCountry, code)
		}
	})

	t.Run("keys survive a fresh resolver", func(t *testing.T) {
		before, err := resolver.ResolveCountry(ctx, "DE")
		require.NoError(t, err)

		other := dimensions.NewResolver(db, testsupport.GetLogger())
		after, err := other.ResolveCountry(ctx, "de")
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})
}

func TestResolvePageConcurrent(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	ctx := context.Background()

	const workers = 8
	ids := make([]uint, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Separate resolvers so no memo is shared between callers.
			r := dimensions.NewResolver(db, testsupport.GetLogger())
			ids[i], errs[i] = r.ResolvePage(ctx, "/pricing")
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	var count int64
	require.NoError(t, db.Model(&dimensions.Page{}).Where("path = ?", "/pricing").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestResolveDevice(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	resolver := dimensions.NewResolver(db, testsupport.GetLogger())
	ctx := context.Background()

	tests := []struct {
		name string
		want uint
	}{
		{"desktop", dimensions.DeviceDesktop},
		{"Mobile", dimensions.DeviceMobile},
		{" tablet ", dimensions.DeviceTablet},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := resolver.ResolveDevice(ctx, tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}

	t.Run("unknown device is a validation error", func(t *testing.T) {
		id, err := resolver.ResolveDevice(ctx, "watch")
		assert.ErrorIs(t, err, dimensions.ErrInvalidDevice)
		assert.Equal(t, dimensions.Unknown, id)
	})

	t.Run("seeded rows match the enumeration", func(t *testing.T) {
		var devices []dimensions.Device
		require.NoError(t, db.Order("id").Find(&devices).Error)
		assert.Equal(t, dimensions.Devices(), devices)
	})
}

func TestResolveUTM(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	resolver := dimensions.NewResolver(db, testsupport.GetLogger())
	ctx := context.Background()

	t.Run("empty triple is unknown", func(t *testing.T) {
		id, err := resolver.ResolveUTM(ctx, "", " ", "")
		require.NoError(t, err)
		assert.Equal(t, dimensions.Unknown, id)
	})

	t.Run("partial triples are distinct keys", func(t *testing.T) {
		a, err := resolver.ResolveUTM(ctx, "google", "cpc", "")
		require.NoError(t, err)
		b, err := resolver.ResolveUTM(ctx, "google", "", "")
		require.NoError(t, err)
		c, err := resolver.Resolve(ctx, dimensions.TypeUTM, "google", "cpc")
		require.NoError(t, err)

		assert.NotEqual(t, a, b)
		assert.Equal(t, a, c)

		label, err := resolver.Lookup(ctx, dimensions.TypeUTM, a)
		require.NoError(t, err)
		assert.Equal(t, "google / cpc / ", label)
	})
}

func TestResolveGeneric(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	resolver := dimensions.NewResolver(db, testsupport.GetLogger())
	ctx := context.Background()

	id, err := resolver.Resolve(ctx, dimensions.TypePage, "/docs")
	require.NoError(t, err)
	label, err := resolver.Lookup(ctx, dimensions.TypePage, id)
	require.NoError(t, err)
	assert.Equal(t, "/docs", label)

	_, err = resolver.Resolve(ctx, dimensions.TypePage, "")
	assert.ErrorIs(t, err, dimensions.ErrInvalidPage)

	_, err = resolver.Resolve(ctx, dimensions.TypePage, "/"+strings.Repeat("a", 2048))
	assert.ErrorIs(t, err, dimensions.ErrInvalidPage)

	_, err = resolver.Resolve(ctx, dimensions.Type("browser"), "firefox")
	assert.ErrorIs(t, err, dimensions.ErrUnknownType)

	label, err = resolver.Lookup(ctx, dimensions.TypeCountry, dimensions.Unknown)
	require.NoError(t, err)
	assert.Equal(t, dimensions.UnknownLabel, label)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = resolver.Resolve(cancelled, dimensions.TypePage, "/later")
	assert.ErrorIs(t, err, context.Canceled)
}
