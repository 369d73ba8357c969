// payment-core/internal/fixtures/csv.go
//
// Package fixtures reads and writes payment batches as CSV, one line item per
// row. Consecutive rows sharing an incident and vendor form one payment.
package fixtures

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/example/payment-core/internal/payment"
	errs "github.com/example/payment-core/pkg/errors"
)

var Header = []string{
	"incident_id", "vendor_id", "payer_type", "currency",
	"destination_account", "description", "quantity", "unit_price",
}

const (
	colIncident = iota
	colVendor
	colPayer
	colCurrency
	colDestination
	colDescription
	colQuantity
	colUnitPrice
)

var services = []struct {
	desc  string
	price float64
}{
	{"Towing (per mile)", 4.5},
	{"Tow hook-up", 95},
	{"Jump start", 65},
	{"Tire change", 80},
	{"Lockout service", 70},
	{"Fuel delivery", 55},
	{"Winching", 120},
}

var currencies = []string{"USD", "USD", "USD", "CAD"}

// Generate writes n payments of one to three line items each.
func Generate(w io.Writer, n int, rnd *rand.Rand) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		incident := fmt.Sprintf("INC-%06d", i+1)
		vendor := fmt.Sprintf("vendor-%03d", rnd.Intn(50)+1)
		payer := payment.PayerBackOffice
		dest := fmt.Sprintf("acct_%016d", rnd.Int63n(1e16))
		if rnd.Intn(4) == 0 {
			payer, dest = payment.PayerDriverIC, ""
		}
		cur := currencies[rnd.Intn(len(currencies))]

		items := rnd.Intn(3) + 1
		for j := 0; j < items; j++ {
			svc := services[rnd.Intn(len(services))]
			qty := 1
			if strings.HasSuffix(svc.desc, "(per mile)") {
				qty = rnd.Intn(60) + 5
			}
			row := []string{
				incident, vendor, string(payer), cur, dest, svc.desc,
				strconv.Itoa(qty), decimal.NewFromFloat(svc.price).StringFixed(2),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// Read parses a batch. The amount of each payment is its line item total.
func Read(r io.Reader) ([]payment.CreateInput, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)
	cr.TrimLeadingSpace = true

	head, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "bad_csv", "read header", err)
	}
	if !strings.EqualFold(head[colIncident], Header[colIncident]) {
		return nil, errs.Validation("bad_csv", "missing header row")
	}

	var out []payment.CreateInput
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, "bad_csv", fmt.Sprintf("line %d", line), err)
		}
		item, err := lineItem(rec)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, "bad_csv", fmt.Sprintf("line %d", line), err)
		}

		n := len(out)
		if n > 0 && out[n-1].IncidentID == rec[colIncident] && out[n-1].VendorID == rec[colVendor] {
			out[n-1].LineItems = append(out[n-1].LineItems, item)
			continue
		}
		out = append(out, payment.CreateInput{
			IncidentID:         rec[colIncident],
			VendorID:           rec[colVendor],
			PayerType:          payment.PayerType(rec[colPayer]),
			Currency:           rec[colCurrency],
			DestinationAccount: rec[colDestination],
			LineItems:          []payment.LineItemInput{item},
		})
	}

	for i := range out {
		total, err := payment.LineItemsTotal(out[i].LineItems)
		if err != nil {
			return nil, err
		}
		out[i].AmountCents = total
	}
	return out, nil
}

func lineItem(rec []string) (payment.LineItemInput, error) {
	qty, err := strconv.ParseInt(rec[colQuantity], 10, 64)
	if err != nil {
		return payment.LineItemInput{}, fmt.Errorf("quantity %q: %w", rec[colQuantity], err)
	}
	price, err := decimal.NewFromString(rec[colUnitPrice])
	if err != nil {
		return payment.LineItemInput{}, fmt.Errorf("unit_price %q: %w", rec[colUnitPrice], err)
	}
	cents := price.Shift(2)
	if !cents.IsInteger() {
		return payment.LineItemInput{}, fmt.Errorf("unit_price %q has sub-cent precision", rec[colUnitPrice])
	}
	return payment.LineItemInput{
		Description:    rec[colDescription],
		Quantity:       qty,
		UnitPriceCents: cents.IntPart(),
	}, nil
}
