package act

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/pkg/types"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
		ok   bool
	}{
		{"tool_call", `Sure. <tool_call>{"name":"lights_on","arguments":{"room":"kitchen"}}</tool_call>`, "lights_on", true},
		{"fenced", "Here:\n```json\n{\"name\":\"timer\",\"parameters\":{\"minutes\":5}}\n```", "timer", true},
		{"bare", ` {"name":"search","arguments":{"q":"go"}} `, "search", true},
		{"plain text", "just an answer", "", false},
		{"json without name", `{"answer":42}`, "", false},
		{"broken json", `<tool_call>{"name":</tool_call>`, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, ok := Parse(tc.text)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, d.Name)
		})
	}
	d, _ := Parse("```\n{\"name\":\"timer\",\"parameters\":{\"minutes\":5}}\n```")
	assert.Equal(t, float64(5), d.Arguments["minutes"], "parameters are accepted as arguments")
}

func TestHTTPHandler(t *testing.T) {
	var got Handoff
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := HTTPHandler{URL: srv.URL}
	err := h.Handle(context.Background(), Handoff{RequestID: "r1", Channel: "cli", Directive: types.Directive{Name: "x"}})
	require.NoError(t, err)
	assert.Equal(t, "r1", got.RequestID)
	assert.Equal(t, "x", got.Directive.Name)
}

func TestHTTPHandlerStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	err := HTTPHandler{URL: srv.URL}.Handle(context.Background(), Handoff{})
	assert.ErrorContains(t, err, "status 500")
}
