package internal

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExchange_DirectRoute(t *testing.T) {
	ex := newExchange("direct", ExchangeDirect, false)
	assert.True(t, ex.bind("orders", "q1"))
	assert.False(t, ex.bind("orders", "q1"), "Binding the same triple twice is a no-op")
	ex.bind("orders", "q2")
	ex.bind("invoices", "q3")

	assert.Equal(t, []string{"q1", "q2"}, ex.route("orders"))
	assert.Equal(t, []string{"q3"}, ex.route("invoices"))
	assert.Empty(t, ex.route("Orders"), "Routing keys match exactly")
	assert.Equal(t, 3, ex.bindingCount())
}

func TestExchange_Unbind(t *testing.T) {
	ex := newExchange("direct", ExchangeDirect, false)
	ex.bind("k", "q1")
	ex.bind("k", "q2")

	assert.True(t, ex.unbind("k", "q1"))
	assert.False(t, ex.unbind("k", "q1"))
	assert.Equal(t, []string{"q2"}, ex.route("k"))

	ex.unbind("k", "q2")
	assert.NotContains(t, ex.Bindings, "k", "Empty binding lists are removed")
}

func TestExchange_RemoveQueue(t *testing.T) {
	ex := newExchange("direct", ExchangeDirect, false)
	ex.bind("a", "gone")
	ex.bind("b", "gone")
	ex.bind("b", "kept")

	ex.removeQueue("gone")
	assert.Empty(t, ex.route("a"))
	assert.Equal(t, []string{"kept"}, ex.route("b"))
}

func TestExchange_FanoutRoute(t *testing.T) {
	ex := newExchange("fan", ExchangeFanout, false)
	ex.bind("a", "q1")
	ex.bind("b", "q2")
	ex.bind("c", "q1")

	assert.ElementsMatch(t, []string{"q1", "q2"}, ex.route("anything"), "Every bound queue receives the message once")
}

func TestExchange_TopicRoute(t *testing.T) {
	ex := newExchange("topic", ExchangeTopic, false)
	ex.bind("stock.*.nyse", "nyse")
	ex.bind("stock.#", "all-stock")
	ex.bind("#.error", "errors")
	ex.bind("stock.usd.nyse", "nyse")

	assert.ElementsMatch(t, []string{"nyse", "all-stock"}, ex.route("stock.usd.nyse"))
	assert.Equal(t, []string{"all-stock"}, ex.route("stock"))
	assert.Equal(t, []string{"errors"}, ex.route("app.db.error"))
	assert.Empty(t, ex.route("bond.usd"))
}

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.c", false},
		{"a.#", "a", true},
		{"a.#", "a.b.c", true},
		{"#", "", true},
		{"#", "a.b", true},
		{"*", "a.b", false},
		{"#.c", "a.b.c", true},
		{"a.#.c", "a.c", true},
		{"a.#.c", "a.b.d", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.key, func(t *testing.T) {
			got := topicMatch(strings.Split(tt.pattern, "."), strings.Split(tt.key, "."))
			assert.Equal(t, tt.want, got)
		})
	}
}
