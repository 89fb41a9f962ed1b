package twilio

import (
	"strconv"
	"strings"

	"github.com/harunnryd/wardline/pkg/conversation"
)

type twiml struct {
	voice    string
	language string
	b        strings.Builder
}

func (t *Transport) newTwiml() *twiml {
	tw := &twiml{voice: t.cfg.Voice, language: t.cfg.Language}
	tw.b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response>`)
	return tw
}

func (tw *twiml) say(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	tw.b.WriteString(`<Say voice="` + xmlEscape(tw.voice) + `" language="` + xmlEscape(tw.language) + `">`)
	tw.b.WriteString(xmlEscape(text))
	tw.b.WriteString(`</Say>`)
}

func (tw *twiml) raw(s string) { tw.b.WriteString(s) }

func (tw *twiml) String() string {
	return tw.b.String() + `</Response>`
}

func (t *Transport) gatherOpen() string {
	return `<Gather input="speech" action="` + xmlEscape(t.cfg.ProcessPath) +
		`" method="POST" speechTimeout="auto" speechModel="phone_call" enhanced="true" language="` +
		xmlEscape(t.cfg.Language) + `">`
}

// listenTail reprompts once on silence and restarts the call flow.
func (t *Transport) listenTail(tw *twiml) {
	tw.say(conversation.RepromptText)
	tw.raw(`<Redirect method="POST">` + xmlEscape(t.cfg.IncomingPath) + `</Redirect>`)
}

// greetingTwiml answers a new call. In gather mode the caller can barge in
// on the greeting.
func (t *Transport) greetingTwiml(d conversation.Directive, streamURL string) string {
	tw := t.newTwiml()
	if t.cfg.Mode == ModeStream {
		for _, s := range d.Say {
			tw.say(s)
		}
		tw.raw(`<Connect><Stream url="` + xmlEscape(streamURL) + `"/></Connect>`)
		return tw.String()
	}
	tw.raw(t.gatherOpen())
	for _, s := range d.Say {
		tw.say(s)
	}
	tw.raw(`</Gather>`)
	t.listenTail(tw)
	return tw.String()
}

// directiveTwiml renders an engine directive. In stream mode a listening call
// is reconnected to the media stream instead of a Gather.
func (t *Transport) directiveTwiml(d conversation.Directive, streamURL string) string {
	tw := t.newTwiml()
	switch d.Action {
	case conversation.ActionTransfer:
		for _, s := range d.Say {
			tw.say(s)
		}
		tw.raw(`<Dial>` + xmlEscape(d.TransferTo) + `</Dial>`)
	case conversation.ActionHangup:
		for _, s := range d.Say {
			tw.say(s)
		}
		if d.HoldSeconds > 0 {
			tw.raw(`<Pause length="` + strconv.Itoa(d.HoldSeconds) + `"/>`)
		}
		tw.raw(`<Hangup/>`)
	default:
		if t.cfg.Mode == ModeStream {
			for _, s := range d.Say {
				tw.say(s)
			}
			tw.raw(`<Connect><Stream url="` + xmlEscape(streamURL) + `"/></Connect>`)
			break
		}
		tw.raw(t.gatherOpen())
		for _, s := range d.Say {
			tw.say(s)
		}
		tw.raw(`</Gather>`)
		t.listenTail(tw)
	}
	return tw.String()
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}
