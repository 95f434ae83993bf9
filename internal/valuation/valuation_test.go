package valuation

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/rajivgeraev/flippy-trades/internal/models"
)

func item(side models.Side, value string) models.TradeItem {
	return models.TradeItem{ListingID: uuid.New(), Side: side, ValueAtTrade: decimal.RequireFromString(value)}
}

func TestComputeBalance_Scenario(t *testing.T) {
	alice := uuid.New()

	// A101 (500) за B202 (450) и 50 доплаты от Алисы
	diff := ComputeBalance(
		[]models.TradeItem{item(models.SideInitiator, "500")},
		[]models.TradeItem{item(models.SideReceiver, "450")},
		decimal.NewFromInt(50), &alice, alice,
	)

	assert.True(t, diff.IsZero(), diff.String())
}

func TestComputeBalance_ReceiverPays(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()

	diff := ComputeBalance(
		[]models.TradeItem{item(models.SideInitiator, "100.10"), item(models.SideInitiator, "0.20")},
		[]models.TradeItem{item(models.SideReceiver, "300")},
		decimal.RequireFromString("25.50"), &bob, alice,
	)

	assert.Equal(t, "174.2", diff.String())
}

func TestComputeBalance_NoCash(t *testing.T) {
	alice := uuid.New()

	diff := ComputeBalance(nil, []models.TradeItem{item(models.SideReceiver, "0.1"), item(models.SideReceiver, "0.2")}, decimal.Zero, nil, alice)

	assert.Equal(t, "0.3", diff.String())
}

func TestSummarize_Imbalanced(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	calc := NewCalculator(50)

	trade := &models.Trade{
		InitiatorID: alice,
		ReceiverID:  bob,
		Items: []models.TradeItem{
			item(models.SideInitiator, "10"),
			item(models.SideReceiver, "1000"),
		},
	}

	s := calc.Summarize(trade)
	assert.Equal(t, "10", s.InitiatorTotal.String())
	assert.Equal(t, "1000", s.ReceiverTotal.String())
	assert.True(t, s.Imbalanced)

	trade.CashAmount = decimal.NewFromInt(990)
	trade.CashPayerID = &bob
	s = calc.Summarize(trade)
	assert.True(t, s.Differential.IsZero())
	assert.False(t, s.Imbalanced)

	assert.False(t, NewCalculator(0).Summarize(&models.Trade{InitiatorID: alice, Items: trade.Items}).Imbalanced)
}

func TestValidateCash(t *testing.T) {
	alice, bob, eve := uuid.New(), uuid.New(), uuid.New()

	cases := []struct {
		name   string
		amount string
		payer  *uuid.UUID
		kind   models.ErrorKind
	}{
		{"без доплаты", "0", nil, ""},
		{"доплата инициатора", "50", &alice, ""},
		{"доплата получателя", "12.34", &bob, ""},
		{"отрицательная", "-1", &alice, models.KindValidation},
		{"три знака", "1.005", &alice, models.KindValidation},
		{"нет плательщика", "10", nil, models.KindValidation},
		{"плательщик при нуле", "0", &alice, models.KindValidation},
		{"посторонний плательщик", "10", &eve, models.KindInvalidParticipant},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateCash(decimal.RequireFromString(tc.amount), tc.payer, alice, bob)
			if tc.kind == "" {
				assert.NoError(t, err)
				return
			}
			var te *models.TradeError
			assert.True(t, errors.As(err, &te))
			assert.Equal(t, tc.kind, te.Kind)
		})
	}
}

// Сумма в копейках через decimal совпадает с целочисленной суммой
func TestProperty_TotalsAreExact(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		alice := uuid.New()
		cents := rapid.SliceOfN(rapid.Int64Range(0, 10_000_000), 0, 20).Draw(t, "initiatorCents")
		other := rapid.SliceOfN(rapid.Int64Range(0, 10_000_000), 0, 20).Draw(t, "receiverCents")
		cash := rapid.Int64Range(0, 1_000_000).Draw(t, "cashCents")
		initiatorPays := rapid.Bool().Draw(t, "initiatorPays")

		var initiatorItems, receiverItems []models.TradeItem
		var want int64
		for _, c := range cents {
			initiatorItems = append(initiatorItems, models.TradeItem{Side: models.SideInitiator, ValueAtTrade: decimal.New(c, -2)})
			want -= c
		}
		for _, c := range other {
			receiverItems = append(receiverItems, models.TradeItem{Side: models.SideReceiver, ValueAtTrade: decimal.New(c, -2)})
			want += c
		}

		payer := uuid.New()
		if initiatorPays {
			payer = alice
			want += cash
		} else {
			want -= cash
		}

		var payerPtr *uuid.UUID
		if cash > 0 {
			payerPtr = &payer
		}

		got := ComputeBalance(initiatorItems, receiverItems, decimal.New(cash, -2), payerPtr, alice)
		if !got.Equal(decimal.New(want, -2)) {
			t.Fatalf("differential %s, want %s", got, decimal.New(want, -2))
		}
	})
}
