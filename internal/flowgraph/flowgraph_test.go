package flowgraph

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mbd888/chainwatch/internal/chain"
)

func transfer(from, to string, value float64) chain.Transaction {
	return chain.Transaction{
		Blockchain:  "ethereum",
		Hash:        fmt.Sprintf("0x%s-%s", from, to),
		FromAddress: from,
		ToAddress:   to,
		Value:       value,
		Timestamp:   time.Now(),
	}
}

func TestAnalyzeCleanTransfer(t *testing.T) {
	focal := transfer("0xaaa", "0xbbb", 100)

	a := Analyze(&focal, nil)
	assert.False(t, a.FundDispersion)
	assert.False(t, a.CircularTransfer)
	assert.False(t, a.MixingPattern)
	assert.Zero(t, a.DispersionCount)
}

func TestAnalyzeDispersion(t *testing.T) {
	// Fan-out to four distinct recipients crosses the threshold.
	focal := transfer("0xsrc", "0xr1", 100)
	related := []chain.Transaction{
		transfer("0xsrc", "0xr2", 100),
		transfer("0xsrc", "0xr3", 100),
		transfer("0xsrc", "0xr4", 100),
	}

	a := Analyze(&focal, related)
	assert.True(t, a.FundDispersion)
	assert.Equal(t, 4, a.DispersionCount)
	assert.False(t, a.CircularTransfer)
}

func TestAnalyzeDispersionBoundary(t *testing.T) {
	// Exactly three outgoing edges is not dispersion.
	focal := transfer("0xsrc", "0xr1", 100)
	related := []chain.Transaction{
		transfer("0xsrc", "0xr2", 100),
		transfer("0xsrc", "0xr3", 100),
	}

	a := Analyze(&focal, related)
	assert.False(t, a.FundDispersion)
	assert.Zero(t, a.DispersionCount)
}

func TestAnalyzeDispersionCaseInsensitive(t *testing.T) {
	focal := transfer("0xSRC", "0xr1", 100)
	related := []chain.Transaction{
		transfer("0xsrc", "0xr2", 100),
		transfer("0xSrc", "0xr3", 100),
		transfer("0xsrC", "0xr4", 100),
	}

	a := Analyze(&focal, related)
	assert.True(t, a.FundDispersion)
	assert.Equal(t, 4, a.DispersionCount)
}

func TestAnalyzeCircularTransfer(t *testing.T) {
	focal := transfer("0xaaa", "0xbbb", 100)
	related := []chain.Transaction{
		transfer("0xbbb", "0xccc", 90),
		transfer("0xccc", "0xaaa", 80),
	}

	a := Analyze(&focal, related)
	assert.True(t, a.CircularTransfer)
	assert.False(t, a.FundDispersion)
}

func TestAnalyzeSelfLoop(t *testing.T) {
	focal := transfer("0xaaa", "0xaaa", 100)

	a := Analyze(&focal, nil)
	assert.True(t, a.CircularTransfer)
}

func TestAnalyzeMixingPattern(t *testing.T) {
	// 0xmix has three inputs and three outputs.
	focal := transfer("0xin1", "0xmix", 100)
	related := []chain.Transaction{
		transfer("0xin2", "0xmix", 100),
		transfer("0xin3", "0xmix", 100),
		transfer("0xmix", "0xout1", 95),
		transfer("0xmix", "0xout2", 95),
		transfer("0xmix", "0xout3", 95),
	}

	a := Analyze(&focal, related)
	assert.True(t, a.MixingPattern)
}

func TestAnalyzeMixingBoundary(t *testing.T) {
	// Two in, two out: below the mixing threshold.
	focal := transfer("0xin1", "0xmix", 100)
	related := []chain.Transaction{
		transfer("0xin2", "0xmix", 100),
		transfer("0xmix", "0xout1", 95),
		transfer("0xmix", "0xout2", 95),
	}

	a := Analyze(&focal, related)
	assert.False(t, a.MixingPattern)
}

func TestGraphIgnoresMissingEndpoints(t *testing.T) {
	g := NewGraph()
	coinbase := chain.Transaction{Blockchain: "ethereum", Hash: "0x1", ToAddress: "0xaaa", Value: 100}
	g.AddTransaction(&coinbase)

	assert.Zero(t, g.InDegree("0xaaa"))
	assert.Zero(t, g.OutDegree("0xaaa"))
}
