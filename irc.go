package irkd

import (
	"strings"
	"unicode/utf8"

	"gopkg.in/irc.v3"
)

// maxMessageLength is the RFC 1459 frame limit, CRLF excluded.
const maxMessageLength = 510

func parseMessageParams(msg *irc.Message, out ...*string) error {
	if len(msg.Params) < len(out) {
		return newNeedMoreParamsError(msg.Command)
	}
	for i := range out {
		if out[i] != nil {
			*out[i] = msg.Params[i]
		}
	}
	return nil
}

type needMoreParamsError string

func newNeedMoreParamsError(cmd string) error {
	return needMoreParamsError(cmd)
}

func (err needMoreParamsError) Error() string {
	return "not enough parameters for " + string(err)
}

// isChannelName reports whether name can be a channel target.
func isChannelName(name string) bool {
	return name != "" && strings.ContainsRune("#&", rune(name[0]))
}

// maxPrivmsgLen returns the longest text payload that fits in a PRIVMSG to
// channel within the IRC frame limit.
func maxPrivmsgLen(channel string) int {
	return maxMessageLength - len("PRIVMSG ") - len(channel) - len(" :")
}

// splitLine splits line into chunks of at most max bytes, breaking at the
// last whitespace (space or tab) within the limit when there is one and
// falling back to a hard cut on a rune boundary otherwise.
func splitLine(line string, max int) []string {
	if max < 1 {
		max = 1
	}
	var out []string
	for len(line) > max {
		i := strings.LastIndexAny(line[:max+1], " \t")
		if i > 0 {
			out = append(out, line[:i])
			line = line[i+1:]
			continue
		}
		i = max
		for i > 0 && !utf8.RuneStart(line[i]) {
			i--
		}
		if i == 0 {
			i = max
		}
		out = append(out, line[:i])
		line = line[i:]
	}
	return append(out, line)
}

// splitPrivmsg turns a request payload into the PRIVMSG lines for channel:
// embedded newlines become separate messages, and over-long lines are split
// to fit the frame. An empty payload yields a single empty line, which joins
// the channel without saying anything.
func splitPrivmsg(text, channel string) []string {
	max := maxPrivmsgLen(channel)
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		out = append(out, splitLine(line, max)...)
	}
	return out
}
