package stream

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Overl1te/CyberDeck-sub000/internal/capture"
	"github.com/Overl1te/CyberDeck-sub000/internal/config"
)

// OfferRequest carries the client's stream_offer query parameters.
type OfferRequest struct {
	Token      string // session token, keys the width stabilizer only
	Ticket     string // short-lived credential embedded in candidate URLs
	Backend    string // requested backend hint, "auto" for no preference
	Monitor    int
	FPS        int
	MeasuredW  int  // client viewport width
	BelowFloor bool // client explicitly accepts widths under the floor
	Quality    int
	LowLatency bool
	BaseURL    string // scheme://host:port as seen by the client
}

// Candidate is one playable stream the client may try, best first.
type Candidate struct {
	Backend string `json:"backend"`
	Codec   string `json:"codec"`
	URL     string `json:"url"`
}

// AdaptiveHint tells the client how to drive its own quality feedback loop.
type AdaptiveHint struct {
	WidthLadder      []int   `json:"width_ladder"`
	StepDown         int     `json:"step_down"`
	StepUp           int     `json:"step_up"`
	RTTGoodMs        int     `json:"rtt_good_ms"`
	RTTBadMs         int     `json:"rtt_bad_ms"`
	FPSDropThreshold float64 `json:"fps_drop_threshold"`
}

// Support reports encoder availability alongside the candidate list.
type Support struct {
	H264Encoder bool `json:"h264_encoder"`
	H265Encoder bool `json:"h265_encoder"`
}

// Offer is the stream_offer response payload.
type Offer struct {
	Candidates      []Candidate  `json:"candidates"`
	Width           int          `json:"width"`
	Support         Support      `json:"support"`
	AdaptiveHint    AdaptiveHint `json:"adaptive_hint"`
	ReconnectHintMs int          `json:"reconnect_hint_ms"`
}

// AvailabilitySource reports which backends can serve right now.
// *capture.Prober is the production implementation.
type AvailabilitySource interface {
	Status(fast bool) capture.Availability
	Encoders() capture.EncoderSupport
}

// Negotiator ranks capture backends for a client and builds stream URLs.
type Negotiator struct {
	prober     AvailabilitySource
	stabilizer *Stabilizer
	wayland    func() bool
}

func NewNegotiator(prober AvailabilitySource, stabilizer *Stabilizer) *Negotiator {
	return &Negotiator{
		prober:     prober,
		stabilizer: stabilizer,
		wayland:    capture.IsWaylandSession,
	}
}

// Offer builds the ordered candidate list for one request.
func (n *Negotiator) Offer(req OfferRequest, cfg *config.Config) Offer {
	width := n.stabilizer.Resolve(req.Token, req.MeasuredW, req.BelowFloor, StabilizerParams{
		Ladder:     cfg.WidthLadder,
		MinSwitch:  secondsToDuration(cfg.MinSwitchS),
		Hysteresis: cfg.HysteresisRatio,
		Floor:      cfg.MinWidthFloor,
	})

	order := n.backendOrder(req.Backend, cfg.BackendOrder)
	avail := n.prober.Status(false)

	var candidates []Candidate
	for _, backend := range order {
		if !avail[capture.Backend(backend)] {
			continue
		}
		candidates = append(candidates, Candidate{
			Backend: backend,
			Codec:   "mjpeg",
			URL:     n.feedURL(req, "/video_feed", backend, width),
		})
	}

	// Encoded TS variants ride on ffmpeg only.
	var support Support
	if avail[capture.BackendFFmpeg] {
		enc := n.prober.Encoders()
		support = Support{H264Encoder: enc.H264, H265Encoder: enc.H265}
		if enc.H264 {
			candidates = append(candidates, Candidate{
				Backend: "ffmpeg",
				Codec:   "h264_ts",
				URL:     n.feedURL(req, "/video_h264", "ffmpeg", width),
			})
		}
		if enc.H265 {
			candidates = append(candidates, Candidate{
				Backend: "ffmpeg",
				Codec:   "h265_ts",
				URL:     n.feedURL(req, "/video_h265", "ffmpeg", width),
			})
		}
	}

	return Offer{
		Candidates: candidates,
		Width:      width,
		Support:    support,
		AdaptiveHint: AdaptiveHint{
			WidthLadder:      cfg.WidthLadder,
			StepDown:         cfg.StepDown,
			StepUp:           cfg.StepUp,
			RTTGoodMs:        cfg.RTTGoodMs,
			RTTBadMs:         cfg.RTTBadMs,
			FPSDropThreshold: cfg.FPSDropThreshold,
		},
		ReconnectHintMs: cfg.ReconnectHintMs,
	}
}

// backendOrder computes the MJPEG candidate order: environment override
// first, then OS heuristics, with the client hint promoted to the front.
// On Wayland ffmpeg is demoted below other working options because its
// x11grab path only sees XWayland windows.
func (n *Negotiator) backendOrder(hint, override string) []string {
	var order []string
	if override != "" {
		for _, b := range strings.Split(override, ",") {
			if b = strings.TrimSpace(strings.ToLower(b)); b != "" {
				order = append(order, b)
			}
		}
	}
	if len(order) == 0 {
		if n.wayland() {
			order = []string{"gstreamer", "ffmpeg", "screenshot", "native"}
		} else {
			order = []string{"native", "ffmpeg", "gstreamer", "screenshot"}
		}
	}

	if n.wayland() && override == "" {
		order = demote(order, "ffmpeg")
	}
	if hint != "" && hint != "auto" {
		order = promote(order, strings.ToLower(hint))
	}
	return order
}

func (n *Negotiator) feedURL(req OfferRequest, path, backend string, width int) string {
	q := url.Values{}
	q.Set("ticket", req.Ticket)
	q.Set("backend", backend)
	q.Set("monitor", fmt.Sprintf("%d", req.Monitor))
	if req.FPS > 0 {
		q.Set("fps", fmt.Sprintf("%d", req.FPS))
	}
	q.Set("max_w", fmt.Sprintf("%d", width))
	if req.Quality > 0 {
		q.Set("quality", fmt.Sprintf("%d", req.Quality))
	}
	if req.LowLatency {
		q.Set("low_latency", "1")
	}
	return strings.TrimRight(req.BaseURL, "/") + path + "?" + q.Encode()
}

func promote(order []string, backend string) []string {
	out := []string{backend}
	for _, b := range order {
		if b != backend {
			out = append(out, b)
		}
	}
	return out
}

func demote(order []string, backend string) []string {
	var out []string
	found := false
	for _, b := range order {
		if b == backend {
			found = true
			continue
		}
		out = append(out, b)
	}
	if found {
		out = append(out, backend)
	}
	return out
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
