package sqlxrepos

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trezcool/clearance/core"
)

func Test_escapeLike(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "207", want: "207"},
		{in: "20%", want: `20\%`},
		{in: "2_7", want: `2\_7`},
		{in: `a\b`, want: `a\\b`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, escapeLike(tt.in))
		})
	}
}

func Test_orderBy(t *testing.T) {
	tests := []struct {
		name     string
		ordering []core.DBOrdering
		want     string
	}{
		{name: "fallback", want: "created_at DESC"},
		{name: "unknown field", ordering: []core.DBOrdering{{Field: "reason; DROP TABLE absence_flag"}}, want: "created_at DESC"},
		{
			name:     "severity by rank",
			ordering: []core.DBOrdering{{Field: "severity", Ascending: true}, {Field: "deadline"}},
			want:     "CASE severity WHEN 'low' THEN 1 WHEN 'medium' THEN 2 WHEN 'high' THEN 3 ELSE 0 END ASC, deadline DESC",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, orderBy(tt.ordering, flagOrderable, "created_at DESC"))
		})
	}
}
