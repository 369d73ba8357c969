package fixtures

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/payment-core/internal/payment"
	errs "github.com/example/payment-core/pkg/errors"
)

func TestRead_GroupsRowsByIncident(t *testing.T) {
	in := strings.Join([]string{
		strings.Join(Header, ","),
		"INC-1,vendor-1,back_office,usd,acct_1,Tow hook-up,1,95.00",
		"INC-1,vendor-1,back_office,usd,acct_1,Towing (per mile),12,4.50",
		"INC-2,vendor-2,driver_ic,USD,,Jump start,1,65",
	}, "\n")

	got, err := Read(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "INC-1", got[0].IncidentID)
	assert.Len(t, got[0].LineItems, 2)
	assert.Equal(t, int64(9500+12*450), got[0].AmountCents)
	assert.Equal(t, "acct_1", got[0].DestinationAccount)

	assert.Equal(t, payment.PayerDriverIC, got[1].PayerType)
	assert.Equal(t, int64(6500), got[1].AmountCents)
}

func TestRead_Rejects(t *testing.T) {
	head := strings.Join(Header, ",") + "\n"
	cases := map[string]string{
		"sub-cent price": head + "INC-1,v,back_office,USD,a,Tow,1,1.005",
		"bad quantity":   head + "INC-1,v,back_office,USD,a,Tow,one,1.00",
		"no header":      "INC-1,v,back_office,USD,a,Tow,1,1.00",
		"short row":      head + "INC-1,v,back_office",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Read(strings.NewReader(body))
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, errs.KindValidation))
		})
	}
}

func TestRead_Empty(t *testing.T) {
	got, err := Read(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGenerate_RoundTripsValidPayments(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Generate(&buf, 25, rand.New(rand.NewSource(7))))

	got, err := Read(&buf)
	require.NoError(t, err)
	require.Len(t, got, 25)
	for _, in := range got {
		_, err := payment.ValidateCreate(in)
		assert.NoError(t, err, in.IncidentID)
	}
}
