package handler

import (
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestParseListOpts(t *testing.T) {
	cases := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{name: "defaults", query: "", wantLimit: 50, wantOffset: 0},
		{name: "explicit", query: "limit=10&offset=30", wantLimit: 10, wantOffset: 30},
		{name: "limit capped", query: "limit=9999", wantLimit: 500},
		{name: "garbage falls back", query: "limit=abc&offset=xyz", wantLimit: 50},
		{name: "negative falls back", query: "limit=-5&offset=-1", wantLimit: 50},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/positions?"+tc.query, nil)
			opts := parseListOpts(r)
			assert.Equal(t, tc.wantLimit, opts.Limit)
			assert.Equal(t, tc.wantOffset, opts.Offset)
		})
	}
}

func TestParseAddress(t *testing.T) {
	addr, ok := parseAddress("0x00000000000000000000000000000000000000ab")
	assert.True(t, ok)
	assert.Equal(t, common.HexToAddress("0xab"), addr)

	_, ok = parseAddress("not-an-address")
	assert.False(t, ok)

	_, ok = parseAddress("")
	assert.False(t, ok)
}

func TestParseAmount(t *testing.T) {
	n, ok := parseAmount("123456789012345678901234567890")
	assert.True(t, ok)
	assert.Equal(t, "123456789012345678901234567890", n.String())

	for _, bad := range []string{"", "0", "-5", "1.5", "0x10"} {
		got, ok := parseAmount(bad)
		assert.False(t, ok, "input %q", bad)
		assert.Nil(t, got)
	}
}
