package parser

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/bus"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/model"
)

func collect(t *testing.T, b *bus.Bus, topic bus.Topic) <-chan interface{} {
	ch := make(chan interface{}, 8)
	b.Subscribe(topic, func(ev interface{}) { ch <- ev })
	return ch
}

func TestRFC5424StructuredDataDenyEvent(t *testing.T) {
	b := bus.New()
	parsed := collect(t, b, bus.TopicParsed)
	p := New(b)

	raw := `<14>1 2024-01-26T10:00:00Z PA-5220 - - - [pan@0 src=192.168.1.100 dst=203.0.113.50 action=deny threat_type=malware] blocked`
	p.Parse(raw)

	select {
	case ev := <-parsed:
		pe := ev.(model.ParsedEvent)
		require.Equal(t, "192.168.1.100", *pe.SourceIP)
		require.Equal(t, "203.0.113.50", *pe.DestIP)
		require.Equal(t, model.ActionDeny, pe.Action)
		require.Equal(t, model.ThreatMalware, pe.ThreatType)
	case <-time.After(time.Second):
		t.Fatal("no parsed event")
	}
}

func TestAllowActionProducesNoOutput(t *testing.T) {
	b := bus.New()
	parsed := collect(t, b, bus.TopicParsed)
	errs := collect(t, b, bus.TopicParseError)
	p := New(b)

	raw := `<14>1 2024-01-26T10:00:00Z PA-5220 - - - [pan@0 src=10.0.0.1 dst=10.0.0.2 action=allow] ok`
	p.Parse(raw)

	time.Sleep(50 * time.Millisecond)
	require.Len(t, parsed, 0)
	require.Len(t, errs, 0)
}

func TestPaloAltoCSVPositional(t *testing.T) {
	b := bus.New()
	parsed := collect(t, b, bus.TopicParsed)
	p := New(b)

	fields := make([]string, 35)
	for i := range fields {
		fields[i] = "x"
	}
	fields[0] = "1"
	fields[6] = "192.0.2.5"
	fields[7] = "198.51.100.10"
	fields[29] = "drop"
	fields[32] = "url-filtering"
	raw := strings.Join(fields, ",")

	p.Parse(raw)

	select {
	case ev := <-parsed:
		pe := ev.(model.ParsedEvent)
		require.Equal(t, "192.0.2.5", *pe.SourceIP)
		require.Equal(t, "198.51.100.10", *pe.DestIP)
		require.Equal(t, model.ActionDrop, pe.Action)
		require.Equal(t, model.ThreatMalware, pe.ThreatType) // "url" substring -> malware
	case <-time.After(time.Second):
		t.Fatal("no parsed event")
	}
}

func TestShortCSVFallsBackWithoutPanic(t *testing.T) {
	b := bus.New()
	p := New(b)
	require.NotPanics(t, func() {
		p.Parse("1,a,b,c")
	})
}

func TestEmptyAfterPreprocessingProducesNoOutput(t *testing.T) {
	b := bus.New()
	parsed := collect(t, b, bus.TopicParsed)
	errs := collect(t, b, bus.TopicParseError)
	p := New(b)

	p.Parse("#012#012#012")
	p.Parse("")

	time.Sleep(50 * time.Millisecond)
	require.Len(t, parsed, 0)
	require.Len(t, errs, 0)
}

func TestInvalidIPBecomesNil(t *testing.T) {
	require.Nil(t, validIPv4("256.0.0.0"))
	require.Nil(t, validIPv4("::1"))
	require.Nil(t, validIPv4("8.8.8.8:53"))
	require.NotNil(t, validIPv4("255.255.255.255"))
}

func TestThreatTypeNormalization(t *testing.T) {
	require.Equal(t, model.ThreatMalware, normalizeThreatType("trojan-horse"))
	require.Equal(t, model.ThreatIntrusion, normalizeThreatType("exploit-kit"))
	require.Equal(t, model.ThreatDDoS, normalizeThreatType("syn-flood"))
	require.Equal(t, model.ThreatUnknown, normalizeThreatType(""))
	require.Equal(t, model.ThreatUnknown, normalizeThreatType("spam"))
}

func TestNoParsableFieldsProducesParseError(t *testing.T) {
	b := bus.New()
	errs := collect(t, b, bus.TopicParseError)
	p := New(b)

	p.Parse("just some unstructured text with no fields at all")

	select {
	case ev := <-errs:
		pe := ev.(model.ParseError)
		require.NotEmpty(t, pe.ErrorMessage)
	case <-time.After(time.Second):
		t.Fatal("expected a parse error")
	}
}
