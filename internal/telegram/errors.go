package telegram

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/tgerr"
)

// ErrUnauthorized marks a dead or password-gated session. The operator must
// restart the process for an interactive re-login.
var ErrUnauthorized = errors.New("telegram: unauthorized")

// FloodWaitError carries Telegram's mandatory cool-off interval.
type FloodWaitError struct {
	Seconds int
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("telegram: flood wait %ds", e.Seconds)
}

func (e *FloodWaitError) Duration() time.Duration {
	return time.Duration(e.Seconds) * time.Second
}

// AsFloodWait extracts a flood-wait interval from a classified error.
func AsFloodWait(err error) (int, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Seconds, true
	}
	return 0, false
}

var (
	floodWaitTypeRe = regexp.MustCompile(`FLOOD_WAIT_(\d+)`)
	floodWaitTextRe = regexp.MustCompile(`wait of (\d+) seconds is required`)
)

// classifyError maps raw gotd/transport errors onto the gateway taxonomy:
// unauthorized (401, AUTH_KEY*, SESSION_PASSWORD_NEEDED), flood wait, or the
// untouched transport error.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		seconds := int(d / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		return &FloodWaitError{Seconds: seconds}
	}

	var rpc *tgerr.Error
	if errors.As(err, &rpc) {
		if rpc.Code == 401 || strings.HasPrefix(rpc.Type, "AUTH_KEY") || rpc.Type == "SESSION_PASSWORD_NEEDED" {
			return fmt.Errorf("%w: %s", ErrUnauthorized, rpc.Type)
		}
	}

	msg := err.Error()
	if m := floodWaitTypeRe.FindStringSubmatch(msg); m != nil {
		if seconds, convErr := strconv.Atoi(m[1]); convErr == nil {
			return &FloodWaitError{Seconds: seconds}
		}
	}
	if m := floodWaitTextRe.FindStringSubmatch(msg); m != nil {
		if seconds, convErr := strconv.Atoi(m[1]); convErr == nil {
			return &FloodWaitError{Seconds: seconds}
		}
	}
	if strings.Contains(msg, "AUTH_KEY") || strings.Contains(msg, "SESSION_PASSWORD_NEEDED") {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	return err
}
