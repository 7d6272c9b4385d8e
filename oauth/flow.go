package oauth

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/onnwee/sub-tender/twitchapi"
)

// Method selects how a fresh authorization is obtained.
type Method int

const (
	MethodDevice Method = iota
	MethodLocalRedirect
)

func (m Method) String() string {
	switch m {
	case MethodDevice:
		return "device"
	case MethodLocalRedirect:
		return "local"
	default:
		return "unknown"
	}
}

// ParseMethod maps AUTH_METHOD to a Method.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "device":
		return MethodDevice, nil
	case "local", "redirect", "local_redirect":
		return MethodLocalRedirect, nil
	default:
		return 0, fmt.Errorf("unknown auth method %q (want device or local)", s)
	}
}

// Flow performs one interactive authorization and returns the granted token.
type Flow interface {
	Method() Method
	Authorize(ctx context.Context, scopes []string) (*twitchapi.TokenResponse, error)
}

// NewFlow builds the Flow for m. Prompts go to out.
func NewFlow(m Method, client *twitchapi.OAuthClient, redirectHost string, redirectPort int, out io.Writer) Flow {
	if m == MethodLocalRedirect {
		addr := net.JoinHostPort(redirectHost, strconv.Itoa(redirectPort))
		return &LocalRedirectFlow{Client: client, Addr: addr, RedirectURI: "http://" + addr, Out: out}
	}
	return &DeviceFlow{Client: client, Out: out}
}

var (
	bold   = color.New(color.Bold).SprintFunc()
	yellow = color.New(color.FgYellow, color.Bold).SprintFunc()
)
