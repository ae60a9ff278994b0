package providers_test

import (
	"testing"

	"github.com/ossobv/osso-djuty-sub000/providers"
	"github.com/stretchr/testify/assert"
)

func TestCleanDescription(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"plain", "Order 1001", 29, "Order 1001"},
		{"accents stripped", "Crème brûlée à la carte", 32, "Creme brulee a la carte"},
		{"charset restricted", "Order #1001 <b>€5</b>!", 32, "Order 1001 b5/b"},
		{"whitespace collapsed", "  Order \t\n 1001  ", 29, "Order 1001"},
		{"truncated with marker", "Abonnement jaarlidmaatschap voetbalvereniging", 29, "Abonnement jaarlidmaatschap.."},
		{"no trailing space before marker", "Order 1001 for customer 12345", 13, "Order 1001.."},
		{"exact fit", "abcdefghij", 10, "abcdefghij"},
		{"no limit", "abc", 0, "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := providers.CleanDescription(tt.in, tt.max)
			assert.Equal(t, tt.want, got)
			if tt.max > 0 {
				assert.LessOrEqual(t, len(got), tt.max)
			}
		})
	}
}
