package compliance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisclaimer_Apply(t *testing.T) {
	d := NewDisclaimer(DisclaimerConfig{Level: DisclaimerShort})
	got := d.Apply("  Take a slow breath.  ", false)
	assert.Equal(t, "Take a slow breath.\n\n"+disclaimerShortText, got)

	// Already present is left alone.
	assert.Equal(t, got, d.Apply(got, false))
}

func TestDisclaimer_FirstReplyOnly(t *testing.T) {
	d := NewDisclaimer(DisclaimerConfig{Level: DisclaimerMedium, FirstReplyOnly: true})
	assert.Contains(t, d.Apply("hello", true), "988")
	assert.Equal(t, "hello", d.Apply("hello", false))
}

func TestDisclaimer_OffAndCustom(t *testing.T) {
	assert.Equal(t, "hi", NewDisclaimer(DisclaimerConfig{Level: DisclaimerOff}).Apply("hi", true))

	var nilDisclaimer *Disclaimer
	assert.Equal(t, "hi", nilDisclaimer.Apply("hi", true))

	custom := NewDisclaimer(DisclaimerConfig{CustomText: "Automated reply."})
	assert.Equal(t, "hi\n\nAutomated reply.", custom.Apply("hi", true))
}

func TestParseDisclaimerLevel(t *testing.T) {
	cases := map[string]DisclaimerLevel{
		"off":     DisclaimerOff,
		"none":    DisclaimerOff,
		"SHORT":   DisclaimerShort,
		" full ":  DisclaimerFull,
		"":        DisclaimerMedium,
		"verbose": DisclaimerMedium,
	}
	for raw, want := range cases {
		assert.Equal(t, want, ParseDisclaimerLevel(raw), raw)
	}
}
