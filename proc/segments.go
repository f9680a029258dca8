package proc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const segmentsTTL = 6 * time.Hour

// segmentCategories are the non-music sections worth skipping during
// playback.
var segmentCategories = []string{
	"sponsor", "selfpromo", "interaction", "intro", "outro", "music_offtopic",
}

// SegmentAPI looks up skippable sections from a SponsorBlock-compatible
// server. Answers are memoized; a missing video is a valid (and cached)
// empty answer, everything else that fails degrades to no skipping.
type SegmentAPI struct {
	kv      *KeyValueCache
	http    *http.Client
	baseURL string
	limiter *rate.Limiter
	enabled bool
}

var _ SegmentProvider = (*SegmentAPI)(nil)

func NewSegmentAPI(kv *KeyValueCache, baseURL string, enabled bool) *SegmentAPI {
	if baseURL == "" {
		baseURL = "https://sponsor.ajay.app"
	}
	return &SegmentAPI{
		kv:      kv,
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
		enabled: enabled,
	}
}

func (s *SegmentAPI) Segments(ctx context.Context, sourceID string) ([]Segment, error) {
	if !s.enabled || strings.Contains(sourceID, "://") {
		return nil, nil
	}
	return CachedJSON(ctx, s.kv, "segments:"+sourceID, segmentsTTL, func(ctx context.Context) ([]Segment, error) {
		return s.fetch(ctx, sourceID)
	})
}

type sponsorSegment struct {
	Segment  [2]float64 `json:"segment"`
	Category string     `json:"category"`
}

func (s *SegmentAPI) fetch(ctx context.Context, sourceID string) ([]Segment, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	cats, _ := json.Marshal(segmentCategories)
	u := fmt.Sprintf("%s/api/skipSegments?videoID=%s&categories=%s",
		s.baseURL, url.QueryEscape(sourceID), url.QueryEscape(string(cats)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Not-found means no segments are known for the video.
	if resp.StatusCode == http.StatusNotFound {
		return []Segment{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("segments api: http %d", resp.StatusCode)
	}

	var raw []sponsorSegment
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	segs := make([]Segment, 0, len(raw))
	for _, sp := range raw {
		start := time.Duration(sp.Segment[0] * float64(time.Second))
		end := time.Duration(sp.Segment[1] * float64(time.Second))
		if end > start {
			segs = append(segs, Segment{Start: start, End: end})
		}
	}
	return segs, nil
}
