package commons

import "testing"

// TestPresenceValidate checks boundary validation of cursor/selection shapes.
func TestPresenceValidate(t *testing.T) {
	cases := []struct {
		name    string
		payload Presence
		wantErr error
	}{
		{name: "empty payload"},
		{name: "valid cursor", payload: Presence{Cursor: &Cursor{Path: []int{0, 3}, Offset: 2}}},
		{name: "negative offset", payload: Presence{Cursor: &Cursor{Offset: -1}}, wantErr: ErrInvalidCursor},
		{name: "negative path segment", payload: Presence{Cursor: &Cursor{Path: []int{0, -2}}}, wantErr: ErrInvalidCursor},
		{
			name: "valid selection",
			payload: Presence{Selection: &Selection{
				Anchor: Cursor{Path: []int{1}, Offset: 0},
				Focus:  Cursor{Path: []int{4}, Offset: 7},
			}},
		},
		{
			name: "invalid selection focus",
			payload: Presence{Selection: &Selection{
				Focus: Cursor{Offset: -5},
			}},
			wantErr: ErrInvalidSelection,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.payload.Validate()
			if got != tc.wantErr {
				t.Errorf("got err = %v, expected = %v\n", got, tc.wantErr)
			}
		})
	}
}
