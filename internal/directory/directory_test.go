package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/payment-core/internal/payment"
	errs "github.com/example/payment-core/pkg/errors"
)

func TestClient(t *testing.T) {
	created := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/vendors/v-1":
			_ = json.NewEncoder(w).Encode(Vendor{ID: "v-1", CreatedAt: created, DestinationAccount: "acct_v1"})
		case "/incidents/i-1":
			_ = json.NewEncoder(w).Encode(Incident{ID: "i-1", StartedAt: created})
		case "/vendors/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second)
	ctx := context.Background()

	v, err := c.Vendor(ctx, "v-1")
	require.NoError(t, err)
	assert.Equal(t, "acct_v1", v.DestinationAccount)
	assert.True(t, created.Equal(v.CreatedAt))

	inc, err := c.Incident(ctx, "i-1")
	require.NoError(t, err)
	assert.Nil(t, inc.ResolvedAt)

	_, err = c.Vendor(ctx, "missing")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))

	_, err = c.Vendor(ctx, "broken")
	assert.True(t, errs.IsKind(err, errs.KindUnavailable))
}

func TestIncidentDuration(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Minute)
	assert.Equal(t, 90*time.Minute, Incident{StartedAt: start, ResolvedAt: &end}.Duration(time.Time{}))
	assert.Equal(t, 30*time.Minute, Incident{StartedAt: start}.Duration(start.Add(30*time.Minute)))
}

func TestDestinations(t *testing.T) {
	dir := NewStatic()
	dir.PutVendor(Vendor{ID: "v-1", DestinationAccount: "acct_file"})
	dir.PutVendor(Vendor{ID: "v-2"})
	d := Destinations{Dir: dir}
	ctx := context.Background()

	acct, err := d.DestinationAccount(ctx, &payment.Payment{VendorID: "v-1",
		Metadata: map[string]any{payment.MetadataDestinationAccount: "acct_override"}})
	require.NoError(t, err)
	assert.Equal(t, "acct_override", acct)

	acct, err = d.DestinationAccount(ctx, &payment.Payment{VendorID: "v-1"})
	require.NoError(t, err)
	assert.Equal(t, "acct_file", acct)

	_, err = d.DestinationAccount(ctx, &payment.Payment{VendorID: "v-2"})
	assert.Equal(t, "missing_destination_account", errs.CodeOf(err))

	_, err = d.DestinationAccount(ctx, &payment.Payment{VendorID: "v-3"})
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}
