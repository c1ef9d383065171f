package store

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
		{
			name: "unique violation code",
			err:  &pgconn.PgError{Code: "23505"},
			want: true,
		},
		{
			name: "other pg error",
			err:  &pgconn.PgError{Code: "23503"},
			want: false,
		},
		{
			name: "wrapped unique violation",
			err:  errors.Join(errors.New("insert failed"), &pgconn.PgError{Code: "23505"}),
			want: true,
		},
		{
			name: "plain error",
			err:  errors.New("connection reset"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUniqueViolation(tt.err); got != tt.want {
				t.Fatalf("expected %t, got %t", tt.want, got)
			}
		})
	}
}

func TestSplitChargeAmount(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		n      int
		want   []int64
	}{
		{
			name:   "even split",
			amount: 10000,
			n:      2,
			want:   []int64{5000, 5000},
		},
		{
			name:   "remainder goes to the first share",
			amount: 10000,
			n:      3,
			want:   []int64{3334, 3333, 3333},
		},
		{
			name:   "single registration",
			amount: 12500,
			n:      1,
			want:   []int64{12500},
		},
		{
			name:   "amount smaller than count",
			amount: 2,
			n:      3,
			want:   []int64{2, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitChargeAmount(tt.amount, tt.n)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d shares, got %d", len(tt.want), len(got))
			}
			var sum int64
			for i, share := range got {
				if share != tt.want[i] {
					t.Fatalf("share %d: expected %d, got %d", i, tt.want[i], share)
				}
				sum += share
			}
			if sum != tt.amount {
				t.Fatalf("shares sum to %d, want %d", sum, tt.amount)
			}
		})
	}
}
