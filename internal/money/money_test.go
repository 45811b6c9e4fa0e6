package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScale(t *testing.T) {
	assert.Equal(t, int32(8), Scale("BTC"))
	assert.Equal(t, int32(8), Scale(" btc "))
	assert.Equal(t, int32(18), Scale("ETH"))
	assert.Equal(t, int32(6), Scale("usdt"))
	assert.Equal(t, int32(2), Scale("NGN"))
	assert.Equal(t, DefaultScale, Scale("DOGE"))
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		currency string
		input    string
		want     string
		err      error
	}{
		{"whole", "BTC", "1", "1", nil},
		{"fraction", "BTC", "0.12345678", "0.12345678", nil},
		{"too precise", "BTC", "0.123456789", "", ErrTooPrecise},
		{"fiat cents", "USD", "10.25", "10.25", nil},
		{"fiat too precise", "USD", "10.255", "", ErrTooPrecise},
		{"negative", "BTC", "-1", "", ErrNegativeAmount},
		{"empty", "BTC", "", "", ErrInvalidAmount},
		{"garbage", "BTC", "1.2.3", "", ErrInvalidAmount},
		{"zero allowed", "BTC", "0", "0", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.currency, tt.input)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
		})
	}
}

func TestParsePositive_RejectsZero(t *testing.T) {
	_, err := ParsePositive("BTC", "0")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	d, err := ParsePositive("BTC", "0.00000001")
	require.NoError(t, err)
	assert.True(t, d.IsPositive())
}

func TestMulRate_TruncatesTowardZero(t *testing.T) {
	// 0.00000003 * 0.5 = 0.000000015 -> 0.00000001 at BTC scale
	got := MulRate("BTC", decimal.RequireFromString("0.00000003"), decimal.RequireFromString("0.5"))
	assert.Equal(t, "0.00000001", got.String())

	got = MulRate("USDT", decimal.NewFromInt(100), decimal.RequireFromString("0.2"))
	assert.True(t, got.Equal(decimal.NewFromInt(20)))
}

func TestRoundAndFormat(t *testing.T) {
	fiat := Round("USD", decimal.RequireFromString("5000.005"))
	assert.Equal(t, "5000.01", Format("USD", fiat))
	assert.Equal(t, "0.10000000", Format("BTC", decimal.RequireFromString("0.1")))
}

func TestSum(t *testing.T) {
	total := Sum(decimal.RequireFromString("0.1"), decimal.RequireFromString("0.2"))
	assert.True(t, total.Equal(decimal.RequireFromString("0.3")))
	assert.True(t, Sum().IsZero())
}
