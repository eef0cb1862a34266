package milter

import (
	"fmt"
	"strconv"
	"strings"
)

// ReplyCodeTriple is a "dotted decimal triple" of the kind used for enhanced
// SMTP status codes (e.g. "5.7.1"). The milter wire protocol also uses this
// shape for the basic reply code of a Replycode action.
type ReplyCodeTriple [3]uint16

// ParseReplyCodeTriple parses a dotted decimal triple such as "5.7.1".
func ParseReplyCodeTriple(s string) (ReplyCodeTriple, error) {
	var t ReplyCodeTriple
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return t, fmt.Errorf("milter: invalid code %q: need exactly 3 dot-separated numbers", s)
	}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return t, fmt.Errorf("milter: invalid number in code %q: %w", s, err)
		}
		t[i] = uint16(n)
	}
	return t, nil
}

// String renders the triple back to its dotted decimal form.
func (t ReplyCodeTriple) String() string {
	return fmt.Sprintf("%d.%d.%d", t[0], t[1], t[2])
}
