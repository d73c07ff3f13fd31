package config

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
)

type rawICEServer struct {
	// URLs is a string or a list of strings.
	URLs       any    `json:"urls"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

// FetchICEServers asks a discovery endpoint for ICE servers. The body is
// either a JSON list of servers or an object with an "iceServers" list.
func FetchICEServers(ctx context.Context, url string, timeout time.Duration) ([]ICEServer, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	type result struct {
		status int
		body   []byte
		err    error
	}
	resC := make(chan result, 1)
	go func() {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		req.SetRequestURI(url)
		req.Header.SetMethod(fasthttp.MethodGet)
		req.Header.Set("Accept", "application/json")
		err := fasthttp.DoTimeout(req, resp, timeout)
		resC <- result{status: resp.StatusCode(), body: append([]byte(nil), resp.Body()...), err: err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-resC:
	}
	if res.err != nil {
		return nil, fmt.Errorf("fetching ICE servers: %w", res.err)
	}
	if res.status != fasthttp.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", res.status, string(res.body))
	}
	return parseICEServers(res.body)
}

func parseICEServers(body []byte) ([]ICEServer, error) {
	var list []rawICEServer
	if err := sonic.Unmarshal(body, &list); err != nil {
		var wrapped struct {
			ICEServers []rawICEServer `json:"iceServers"`
		}
		if err := sonic.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("decoding ICE servers: %w", err)
		}
		list = wrapped.ICEServers
	}
	out := make([]ICEServer, 0, len(list))
	for i, raw := range list {
		var urls []string
		switch v := raw.URLs.(type) {
		case string:
			urls = []string{v}
		case []any:
			for _, u := range v {
				s, ok := u.(string)
				if !ok {
					return nil, fmt.Errorf("ice server %d: url %v is not a string", i, u)
				}
				urls = append(urls, s)
			}
		}
		if len(urls) == 0 {
			return nil, fmt.Errorf("ice server %d has no urls", i)
		}
		out = append(out, ICEServer{URLs: urls, Username: raw.Username, Credential: raw.Credential})
	}
	return out, nil
}

// ResolveICE appends discovered servers to the configured ones.
func (c *Config) ResolveICE(ctx context.Context) ([]ICEServer, error) {
	servers := append([]ICEServer(nil), c.ICE.Servers...)
	if c.ICE.DiscoveryURL == "" {
		return servers, nil
	}
	found, err := FetchICEServers(ctx, c.ICE.DiscoveryURL, c.ICE.DiscoveryTimeout)
	if err != nil {
		return servers, err
	}
	c.ICE.Servers = append(servers, found...)
	return c.ICE.Servers, nil
}
