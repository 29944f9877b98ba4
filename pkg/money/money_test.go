package money

import (
	"encoding/json"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		minor    int64
		currency string
		want     string
	}{
		{"krona", 2490, SEK, SEK},
		{"euro", 1000, EUR, EUR},
		{"missing currency", 500, "", DefaultCurrency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(tt.minor, tt.currency)
			assert.Equal(t, tt.minor, m.Amount())
			assert.Equal(t, tt.want, m.Currency())
		})
	}
}

func TestNewFromDecimal(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		want   int64
	}{
		{"precise decimal", "24.90", 2490},
		{"many decimals", "99.999", 10000},
		{"whole number", "500", 50000},
		{"negative (pant return)", "-2.00", -200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := decimal.NewFromString(tt.amount)
			assert.Equal(t, tt.want, NewFromDecimal(d, SEK).Amount())
		})
	}
}

func TestNewFromString(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		want    int64
		wantErr bool
	}{
		{"receipt comma", "24,90", 2490, false},
		{"thousands with space", "1 234,50", 123450, false},
		{"with kr suffix", "18,95 kr", 1895, false},
		{"dot decimal", "12.5", 1250, false},
		{"padded", "  100  ", 10000, false},
		{"invalid", "abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewFromString(tt.amount, SEK)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Amount())
		})
	}
}

func TestAdd(t *testing.T) {
	sum, err := New(2490, SEK).Add(New(1510, SEK))
	require.NoError(t, err)
	assert.Equal(t, int64(4000), sum.Amount())

	_, err = New(100, SEK).Add(New(100, EUR))
	assert.Error(t, err)

	var nilMoney *Money
	sum, err = nilMoney.Add(New(100, SEK))
	require.NoError(t, err)
	assert.Equal(t, int64(100), sum.Amount())
}

func TestAverageAndPerUnit(t *testing.T) {
	total := New(1000, SEK)

	assert.Equal(t, int64(333), total.Average(3).Amount())
	assert.Equal(t, int64(0), total.Average(0).Amount())

	assert.Equal(t, int64(400), total.PerUnit(decimal.RequireFromString("2.5")).Amount())
	assert.Equal(t, int64(0), total.PerUnit(decimal.Zero).Amount())
	assert.Equal(t, SEK, total.PerUnit(decimal.Zero).Currency())
}

func TestSumOfRandomLines(t *testing.T) {
	faker := gofakeit.New(7)
	total := Zero(SEK)
	var want int64

	for i := 0; i < 50; i++ {
		line := int64(faker.Number(100, 50000))
		want += line

		var err error
		total, err = total.Add(New(line, SEK))
		require.NoError(t, err)
	}

	assert.Equal(t, want, total.Amount())
	assert.True(t, total.ToDecimal().Equal(decimal.New(want, -2)))
}

func TestJSON(t *testing.T) {
	data, err := json.Marshal(New(12345, SEK))
	require.NoError(t, err)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, float64(12345), result["amount"])
	assert.Equal(t, "SEK", result["currency"])
	assert.Contains(t, result["display"], "kr")

	var m Money
	require.NoError(t, json.Unmarshal([]byte(`{"amount": 9999}`), &m))
	assert.Equal(t, int64(9999), m.Amount())
	assert.Equal(t, DefaultCurrency, m.Currency())
}

func TestString(t *testing.T) {
	assert.Equal(t, "123.45", New(12345, SEK).String())
	assert.InDelta(t, 123.45, New(12345, SEK).ToFloat64(), 0.001)
}

func TestNilSafety(t *testing.T) {
	var m *Money

	assert.Equal(t, int64(0), m.Amount())
	assert.Equal(t, "", m.Currency())
	assert.True(t, m.IsZero())
	assert.Equal(t, "0", m.String())
	assert.True(t, m.ToDecimal().IsZero())
	assert.Equal(t, int64(0), m.Average(2).Amount())
	assert.Contains(t, m.Display(), "kr")
}
