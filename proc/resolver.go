package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
	"golang.org/x/time/rate"

	"github.com/leeineian/hibiki/sys"
)

const (
	probeTTL   = time.Hour
	searchTTL  = 10 * time.Minute
	relatedTTL = 6 * time.Hour

	playlistMax  = 100
	candidateMax = 20

	bestAudioFormat = "bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best"
)

var (
	videoIDRegex = regexp.MustCompile(`(?:\?|&)v=([^&]+)`)

	jsOnce       sync.Once
	cachedJSArgs []string
)

// Resolver turns queries into playable tracks: yt-dlp probes metadata and
// picks the bestaudio rendition, whose URL the track opener then fetches
// directly. Probes, searches and related lookups are memoized in the
// key-value cache because each one costs a subprocess or an API round trip.
type Resolver struct {
	kv      *KeyValueCache
	http    *http.Client
	limiter *rate.Limiter
	prober  func(ctx context.Context, target string) (*mediaProbe, error)
}

var (
	_ StreamResolver  = (*Resolver)(nil)
	_ RelatedProvider = (*Resolver)(nil)
)

func NewResolver(kv *KeyValueCache) *Resolver {
	r := &Resolver{
		kv: kv,
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 15 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Every(300*time.Millisecond), 4),
	}
	r.prober = r.probeFresh
	return r
}

// mediaProbe is the yt-dlp view of one source.
type mediaProbe struct {
	ID        string
	Title     string
	Uploader  string
	StreamURL string
	Duration  time.Duration
	Size      int64
	Live      bool
	Thumbnail string
}

// newYtdlp returns a yt-dlp command with the house defaults applied.
func newYtdlp() *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()
	if proxy := os.Getenv("YOUTUBE_PROXY"); proxy != "" {
		cmd.Proxy(proxy)
	}
	return cmd
}

func ytdlpArgs() []string {
	jsOnce.Do(func() {
		for _, rt := range []string{"node", "deno", "quickjs"} {
			if path, err := exec.LookPath(rt); err == nil {
				cachedJSArgs = append(cachedJSArgs, "--js-runtimes", rt+":"+path)
				break
			}
		}
	})

	args := append([]string(nil), cachedJSArgs...)
	args = append(args,
		"--no-check-certificates",
		"--extractor-args", "youtube:player_client=android,web",
		"--socket-timeout", "30",
	)
	return args
}

// Resolve maps a query to tracks: a playlist URL expands, any other URL
// resolves to one track, and plain text takes the first search hit.
func (r *Resolver) Resolve(ctx context.Context, query string, requestedBy snowflake.ID) ([]*Track, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, resolutionErr(ReasonNotFound, query, errors.New("empty query"))
	}

	if strings.HasPrefix(query, "http://") || strings.HasPrefix(query, "https://") {
		if isPlaylistURL(query) {
			return r.resolvePlaylist(ctx, query, requestedBy)
		}
		sourceID, target := query, query
		if id := extractVideoID(query); id != "" {
			sourceID, target = id, watchURL(id)
		}
		p, err := r.probe(ctx, target)
		if err != nil {
			return nil, err
		}
		return []*Track{r.trackFromProbe(p, sourceID, target, requestedBy)}, nil
	}

	hits, err := r.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, resolutionErr(ReasonNotFound, query, nil)
	}
	target := watchURL(hits[0].SourceID)
	p, err := r.probe(ctx, target)
	if err != nil {
		return nil, err
	}
	return []*Track{r.trackFromProbe(p, hits[0].SourceID, target, requestedBy)}, nil
}

func (r *Resolver) trackFromProbe(p *mediaProbe, sourceID, pageURL string, requestedBy snowflake.ID) *Track {
	t := NewTrack(sourceID, p.Title, p.Duration, p.Live, r.opener(pageURL))
	t.Artist = p.Uploader
	t.PageURL = pageURL
	t.Thumbnail = p.Thumbnail
	t.RequestedBy = requestedBy
	return t
}

func (r *Resolver) probe(ctx context.Context, target string) (*mediaProbe, error) {
	return CachedJSON(ctx, r.kv, "probe:"+target, probeTTL, func(ctx context.Context) (*mediaProbe, error) {
		return r.prober(ctx, target)
	})
}

func (r *Resolver) probeFresh(ctx context.Context, target string) (*mediaProbe, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	target = strings.Replace(target, "music.youtube.com", "www.youtube.com", 1)

	res, err := newYtdlp().
		Print("%(id)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(filesize,filesize_approx)s\t%(is_live)s\t%(thumbnail)s\t%(url)s").
		Format(bestAudioFormat).
		NoSimulate().
		IgnoreConfig().
		Run(ctx, append(ytdlpArgs(), "--no-playlist", "--skip-download", target)...)
	if err != nil {
		return nil, classifyYtdlpErr(target, err, res.Stderr)
	}

	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.Split(line, "\t")
		if len(ps) < 8 {
			continue
		}
		p := &mediaProbe{
			ID:        ps[0],
			Title:     ps[1],
			Uploader:  ps[2],
			Thumbnail: ps[6],
			StreamURL: ps[7],
		}
		if d, derr := time.ParseDuration(ps[3] + "s"); derr == nil {
			p.Duration = d
		}
		fmt.Sscanf(ps[4], "%d", &p.Size)
		p.Live = strings.EqualFold(ps[5], "true")
		if p.Live {
			p.Duration = 0
		}
		return p, nil
	}
	return nil, resolutionErr(ReasonUnavailable, target, errors.New("unparseable probe output"))
}

func (r *Resolver) resolvePlaylist(ctx context.Context, playlistURL string, requestedBy snowflake.ID) ([]*Track, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := newYtdlp().
		FlatPlaylist().
		Print("%(id)s\t%(title)s\t%(uploader)s\t%(duration)s").
		PlaylistItems(fmt.Sprintf("1-%d", playlistMax)).
		IgnoreConfig().
		Run(ctx, append(ytdlpArgs(), "--yes-playlist", playlistURL)...)
	if err != nil {
		return nil, classifyYtdlpErr(playlistURL, err, res.Stderr)
	}

	var tracks []*Track
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.Split(line, "\t")
		if len(ps) < 4 || ps[0] == "" || ps[0] == "NA" {
			continue
		}
		var dur time.Duration
		if d, derr := time.ParseDuration(ps[3] + "s"); derr == nil {
			dur = d
		}
		target := watchURL(ps[0])
		t := NewTrack(ps[0], ps[1], dur, false, r.opener(target))
		t.Artist = ps[2]
		t.PageURL = target
		t.RequestedBy = requestedBy
		tracks = append(tracks, t)
	}
	if len(tracks) == 0 {
		return nil, resolutionErr(ReasonNotFound, playlistURL, errors.New("empty playlist"))
	}
	sys.LogResolver("Expanded playlist to %d tracks", len(tracks))
	return tracks, nil
}

// SearchResult is one suggestion for autocomplete or text resolution.
type SearchResult struct {
	SourceID string
	Title    string
	Artist   string
	Duration time.Duration
}

// Search merges YouTube Music and YouTube results, music first, capped at
// the 25 choices a command autocomplete may carry.
func (r *Resolver) Search(ctx context.Context, query string) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	return CachedJSON(ctx, r.kv, "search:"+strings.ToLower(query), searchTTL, func(ctx context.Context) ([]SearchResult, error) {
		return r.searchBoth(ctx, query)
	})
}

func (r *Resolver) searchBoth(ctx context.Context, query string) ([]SearchResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var mu sync.Mutex
	var ytm, yt []SearchResult
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		res, err := ytmusic.TrackSearch(query).Next()
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		for _, v := range res.Tracks {
			if v.VideoID == "" || seen[v.VideoID] {
				continue
			}
			seen[v.VideoID] = true
			art := ""
			if len(v.Artists) > 0 {
				art = v.Artists[0].Name
			}
			ytm = append(ytm, SearchResult{SourceID: v.VideoID, Title: v.Title, Artist: art})
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		res, err := c.Search(ctx, query)
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		for _, v := range res.Results {
			if v.VideoID == "" || seen[v.VideoID] {
				continue
			}
			seen[v.VideoID] = true
			yt = append(yt, SearchResult{
				SourceID: v.VideoID,
				Title:    v.Title,
				Artist:   v.Channel,
				Duration: parseClockDuration(v.Duration),
			})
		}
	}()
	wg.Wait()

	out := append(ytm, yt...)
	if len(out) == 0 {
		return nil, resolutionErr(ReasonNotFound, query, nil)
	}
	if len(out) > 25 {
		out = out[:25]
	}
	return out, nil
}

// Related suggests a track to continue with after seed, skipping anything
// in exclude. Candidates come from the source's watch mix playlists with
// a music search fallback.
func (r *Resolver) Related(ctx context.Context, seed *Track, exclude []string) (*Track, error) {
	if seed == nil || strings.Contains(seed.SourceID, "://") {
		// Mix playlists only exist for YouTube sources.
		return nil, nil
	}
	id := seed.SourceID
	cands, err := CachedJSON(ctx, r.kv, "related:"+id, relatedTTL, func(ctx context.Context) ([]SearchResult, error) {
		return r.relatedCandidates(ctx, id, seed.Title, seed.Artist)
	})
	if err != nil {
		return nil, err
	}

	skip := make(map[string]bool, len(exclude)+1)
	skip[id] = true
	for _, e := range exclude {
		skip[e] = true
	}
	for _, c := range cands {
		if skip[c.SourceID] {
			continue
		}
		p, perr := r.probe(ctx, watchURL(c.SourceID))
		if perr != nil {
			sys.LogResolver("Autoplay candidate %s skipped: %v", c.SourceID, perr)
			continue
		}
		return r.trackFromProbe(p, c.SourceID, watchURL(c.SourceID), seed.RequestedBy), nil
	}
	return nil, nil
}

func (r *Resolver) relatedCandidates(ctx context.Context, id, title, artist string) ([]SearchResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	mix := func(listID string) []SearchResult {
		res, err := newYtdlp().
			FlatPlaylist().
			Print("%(id)s\t%(title)s\t%(uploader)s").
			PlaylistItems(fmt.Sprintf("1-%d", candidateMax)).
			IgnoreConfig().
			Run(ctx, append(ytdlpArgs(), watchURL(id)+"&list="+listID)...)
		if err != nil {
			return nil
		}
		var out []SearchResult
		for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
			ps := strings.Split(line, "\t")
			if len(ps) < 3 || ps[0] == "" || ps[0] == "NA" {
				continue
			}
			out = append(out, SearchResult{SourceID: ps[0], Title: ps[1], Artist: ps[2]})
		}
		return out
	}

	cands := mix("RDAMVM" + id)
	if len(cands) == 0 {
		cands = mix("RD" + id)
	}
	if len(cands) == 0 {
		// The way a listener would type it.
		q := title
		if artist != "" {
			q += " " + artist
		}
		res, err := ytmusic.TrackSearch(q).Next()
		if err != nil {
			return nil, resolutionErr(ReasonUnavailable, id, err)
		}
		for _, v := range res.Tracks {
			if v.VideoID == "" || v.VideoID == id {
				continue
			}
			art := ""
			if len(v.Artists) > 0 {
				art = v.Artists[0].Name
			}
			cands = append(cands, SearchResult{SourceID: v.VideoID, Title: v.Title, Artist: art})
		}
	}
	if len(cands) == 0 {
		return nil, resolutionErr(ReasonNotFound, id, errors.New("no related tracks"))
	}
	return cands, nil
}

// opener fetches the probed bestaudio URL. A start offset maps to a byte
// range through the entry's average bitrate; answers that ignore the
// range trigger the caller's discard-prefix fallback.
func (r *Resolver) opener(target string) StreamOpener {
	return func(ctx context.Context, start time.Duration) (io.ReadCloser, error) {
		p, err := r.probe(ctx, target)
		if err != nil {
			return nil, err
		}
		rc, status, err := r.fetch(ctx, p, start)
		if err == nil || !isExpiredStatus(status) {
			return rc, err
		}

		// Direct URLs expire after a few hours; reprobe once.
		sys.LogResolver("Stream URL for %s expired (HTTP %d), reprobing", p.ID, status)
		r.kv.Forget(ctx, "probe:"+target)
		p, err = r.probe(ctx, target)
		if err != nil {
			return nil, err
		}
		rc, _, err = r.fetch(ctx, p, start)
		return rc, err
	}
}

func isExpiredStatus(code int) bool {
	return code == http.StatusForbidden || code == http.StatusGone
}

func (r *Resolver) fetch(ctx context.Context, p *mediaProbe, start time.Duration) (io.ReadCloser, int, error) {
	if start > 0 && (p.Live || p.Duration <= 0 || p.Size <= 0) {
		return nil, 0, ErrRangeUnsupported
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.StreamURL, nil)
	if err != nil {
		return nil, 0, err
	}
	if start > 0 {
		off := byteOffsetFor(start, p.Duration, p.Size)
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", off))
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, 0, resolutionErr(ReasonUnavailable, p.ID, err)
	}
	if start > 0 && resp.StatusCode == http.StatusOK {
		// Whole file despite the range header.
		resp.Body.Close()
		return nil, resp.StatusCode, ErrRangeUnsupported
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, resp.StatusCode, httpResolutionErr(p.ID, resp.StatusCode)
	}
	return resp.Body, resp.StatusCode, nil
}

func httpResolutionErr(id string, code int) error {
	err := fmt.Errorf("stream fetch: http %d", code)
	switch code {
	case http.StatusNotFound:
		return resolutionErr(ReasonNotFound, id, err)
	case http.StatusTooManyRequests:
		return resolutionErr(ReasonRateLimited, id, err)
	case http.StatusUnavailableForLegalReasons:
		return resolutionErr(ReasonRegionBlocked, id, err)
	default:
		return resolutionErr(ReasonUnavailable, id, err)
	}
}

func classifyYtdlpErr(query string, err error, stderr string) error {
	msg := strings.ToLower(err.Error() + " " + stderr)
	switch {
	case strings.Contains(msg, "video unavailable"),
		strings.Contains(msg, "private video"),
		strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "no video results"):
		return resolutionErr(ReasonNotFound, query, err)
	case strings.Contains(msg, "not available in your country"),
		strings.Contains(msg, "geo restrict"),
		strings.Contains(msg, "blocked it in your country"):
		return resolutionErr(ReasonRegionBlocked, query, err)
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "rate-limit"):
		return resolutionErr(ReasonRateLimited, query, err)
	default:
		return resolutionErr(ReasonUnavailable, query, err)
	}
}

func watchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

// extractVideoID pulls the video ID out of a YouTube-shaped URL, empty
// for anything else.
func extractVideoID(u string) string {
	id := ""
	if matches := videoIDRegex.FindStringSubmatch(u); len(matches) > 1 {
		id = matches[1]
	} else if strings.Contains(u, "youtu.be/") {
		parts := strings.Split(u, "youtu.be/")
		if len(parts) >= 2 {
			id = strings.SplitN(parts[1], "?", 2)[0]
		}
	} else if strings.Contains(u, "shorts/") {
		parts := strings.Split(u, "shorts/")
		if len(parts) >= 2 {
			id = strings.SplitN(parts[1], "?", 2)[0]
		}
	}
	if len(id) > 50 {
		return ""
	}
	return strings.Trim(id, "/")
}

func isPlaylistURL(u string) bool {
	return strings.Contains(u, "list=") && !strings.Contains(u, "list=RD")
}

// parseClockDuration parses listing durations like "3:20" or "1:05:20".
func parseClockDuration(s string) time.Duration {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0
	}
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0
		}
		total = total*60 + n
	}
	return time.Duration(total) * time.Second
}
