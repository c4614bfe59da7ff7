package httpx

import (
	"errors"
	"net/http/httptest"
	"testing"
)

func TestAccessToken(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		upgrade bool
		query   string
		want    string
		wantErr error
	}{
		{name: "bearer", header: "Bearer abc", want: "abc"},
		{name: "case insensitive scheme", header: "bearer  abc ", want: "abc"},
		{name: "basic rejected", header: "Basic abc", wantErr: errMalformedToken},
		{name: "empty bearer", header: "Bearer ", wantErr: errMalformedToken},
		{name: "missing", wantErr: errNoCredentials},
		{name: "query on plain request ignored", query: "abc", wantErr: errNoCredentials},
		{name: "query on websocket", upgrade: true, query: "abc", want: "abc"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := "/v1/projects/p/sessions/ws"
			if tc.query != "" {
				target += "?access_token=" + tc.query
			}
			req := httptest.NewRequest("GET", target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if tc.upgrade {
				req.Header.Set("Upgrade", "websocket")
			}
			got, err := accessToken(req)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("got %q, %v; want %q", got, err, tc.want)
			}
		})
	}
}
