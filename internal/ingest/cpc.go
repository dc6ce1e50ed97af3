package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"
	"golang.org/x/time/rate"

	"github.com/lox/gasflow/internal/httputil"
	"github.com/lox/gasflow/internal/metrics"
	"github.com/lox/gasflow/internal/models"
)

const (
	cpcLiveHDD    = "https://www.cpc.ncep.noaa.gov/products/analysis_monitoring/cdus/degree_days/wsahddy.txt"
	cpcLiveCDD    = "https://www.cpc.ncep.noaa.gov/products/analysis_monitoring/cdus/degree_days/wsacddy.txt"
	cpcFTPHost    = "ftp.cpc.ncep.noaa.gov:21"
	cpcArchiveFmt = "htdocs/degree_days/weighted/legacy_files/%s/statesCONUS/%d/weekly-%s.txt"

	DefaultCPCRateLimit = 200 * time.Millisecond
)

// ErrArchiveMissing is returned when an archived weekly file does not exist.
var ErrArchiveMissing = errors.New("cpc archive file not found")

var lastDateRe = regexp.MustCompile(`LAST DATE OF DATA COLLECTION PERIOD IS\s+(.+)`)

// WeeklyFile is the parsed content of one CPC weekly degree day text file.
type WeeklyFile struct {
	WeekEnd time.Time
	Total   int
	HasDate bool
	HasUS   bool
}

// ParseWeeklyFile reads the collection end date from the header and the
// national weekly total from the first UNITED STATES row.
func ParseWeeklyFile(text []byte) WeeklyFile {
	var f WeeklyFile
	scanner := bufio.NewScanner(bytes.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()

		if m := lastDateRe.FindStringSubmatch(line); m != nil {
			dateStr := strings.Join(strings.Fields(m[1]), " ")
			if d, err := time.Parse("Jan 2, 2006", titleMonth(dateStr)); err == nil {
				f.WeekEnd = d
				f.HasDate = true
			}
			continue
		}

		stripped := strings.TrimLeft(line, " \t")
		if !f.HasUS && strings.HasPrefix(stripped, "UNITED STATES") {
			parts := strings.Fields(stripped)
			if len(parts) >= 3 {
				if v, err := strconv.Atoi(parts[2]); err == nil {
					f.Total = v
					f.HasUS = true
				}
			}
		}
	}
	return f
}

// titleMonth turns "FEB 7, 2026" into "Feb 7, 2026" for time.Parse.
func titleMonth(s string) string {
	if len(s) < 3 {
		return s
	}
	return s[:1] + strings.ToLower(s[1:3]) + s[3:]
}

// archiveSource retrieves one archived weekly file by path.
type archiveSource interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
	Close() error
}

// CPCClient reads NOAA CPC population-weighted weekly degree days: the
// current week over HTTP and past weeks from the FTP archive.
type CPCClient struct {
	client  *http.Client
	hddURL  string
	cddURL  string
	archive archiveSource
	logger  *slog.Logger

	RateLimit      time.Duration
	MaxElapsedTime time.Duration
}

func NewCPCClient(logger *slog.Logger) *CPCClient {
	return &CPCClient{
		client:         httputil.NewClient(),
		hddURL:         cpcLiveHDD,
		cddURL:         cpcLiveCDD,
		archive:        &ftpArchive{addr: cpcFTPHost},
		logger:         logger.With("component", "cpc"),
		RateLimit:      DefaultCPCRateLimit,
		MaxElapsedTime: time.Minute,
	}
}

// LiveWeek is the latest published week with the raw files it came from.
type LiveWeek struct {
	Observation models.DegreeDayObservation
	HDDBody     []byte
	CDDBody     []byte
}

// FetchLive reads the current heating and cooling files. When the two
// disagree on the week, the heating file's date wins.
func (c *CPCClient) FetchLive(ctx context.Context) (*LiveWeek, error) {
	hddBody, err := c.get(ctx, c.hddURL)
	if err != nil {
		return nil, fmt.Errorf("fetch cpc live hdd: %w", err)
	}
	cddBody, err := c.get(ctx, c.cddURL)
	if err != nil {
		return nil, fmt.Errorf("fetch cpc live cdd: %w", err)
	}

	hdd := ParseWeeklyFile(hddBody)
	cdd := ParseWeeklyFile(cddBody)
	if !hdd.HasDate || !cdd.HasDate {
		return nil, errors.New("parse cpc live files: missing collection date")
	}
	if !hdd.WeekEnd.Equal(cdd.WeekEnd) {
		c.logger.Warn("cpc live files disagree on week, using HDD date",
			"hdd_week", hdd.WeekEnd.Format(models.DateLayout), "cdd_week", cdd.WeekEnd.Format(models.DateLayout))
	}

	return &LiveWeek{
		Observation: models.DegreeDayObservation{
			WeekEnd: hdd.WeekEnd,
			HDD:     float64(hdd.Total),
			CDD:     float64(cdd.Total),
		},
		HDDBody: hddBody,
		CDDBody: cddBody,
	}, nil
}

// ArchivePath is the FTP path of one archived weekly file; kind is
// "heating" or "cooling".
func ArchivePath(kind string, weekEnd time.Time) string {
	return fmt.Sprintf(cpcArchiveFmt, kind, weekEnd.Year(), weekEnd.Format("20060102"))
}

// FetchArchiveWeek returns the national total for one archived week, or
// ok=false when the file is missing or unparseable.
func (c *CPCClient) FetchArchiveWeek(ctx context.Context, weekEnd time.Time, kind string) (int, bool, error) {
	start := time.Now()
	body, err := c.archive.Fetch(ctx, ArchivePath(kind, weekEnd))
	metrics.ProviderLatency.WithLabelValues("cpc_archive").Observe(time.Since(start).Seconds())
	if errors.Is(err, ErrArchiveMissing) {
		metrics.ProviderCallsTotal.WithLabelValues("cpc_archive", "missing").Inc()
		return 0, false, nil
	}
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues("cpc_archive", "error").Inc()
		return 0, false, err
	}
	metrics.ProviderCallsTotal.WithLabelValues("cpc_archive", "ok").Inc()

	f := ParseWeeklyFile(body)
	return f.Total, f.HasUS, nil
}

// FetchHistoryRange walks every Thursday in [start, end], skipping weeks in
// have, and hands each found week to save as soon as it is read. Weeks with
// no heating file are skipped; a missing cooling file counts as zero.
func (c *CPCClient) FetchHistoryRange(ctx context.Context, start, end time.Time, have map[time.Time]bool, save func(models.DegreeDayObservation) error) (int, error) {
	defer c.archive.Close()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if c.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Every(c.RateLimit), 1)
	}

	thursdays := Thursdays(start, end)
	saved := 0
	for i, thu := range thursdays {
		if have[thu] {
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return saved, err
		}

		hdd, ok, err := c.FetchArchiveWeek(ctx, thu, "heating")
		if err != nil {
			c.logger.Warn("cpc archive week failed", "week", thu.Format(models.DateLayout), "error", err)
			continue
		}
		if !ok {
			c.logger.Debug("cpc archive week not found", "week", thu.Format(models.DateLayout))
			continue
		}
		cdd, _, err := c.FetchArchiveWeek(ctx, thu, "cooling")
		if err != nil {
			c.logger.Warn("cpc archive cooling failed, using zero", "week", thu.Format(models.DateLayout), "error", err)
		}

		obs := models.DegreeDayObservation{WeekEnd: thu, HDD: float64(hdd), CDD: float64(cdd)}
		if err := save(obs); err != nil {
			return saved, err
		}
		saved++
		c.logger.Info("cpc archive week", "progress", fmt.Sprintf("%d/%d", i+1, len(thursdays)),
			"week", thu.Format(models.DateLayout), "hdd", hdd, "cdd", cdd)
	}
	return saved, nil
}

// Thursdays lists every Thursday from the first on or after start through end.
func Thursdays(start, end time.Time) []time.Time {
	d := start
	for d.Weekday() != time.Thursday {
		d = d.AddDate(0, 0, 1)
	}
	var out []time.Time
	for !d.After(end) {
		out = append(out, d)
		d = d.AddDate(0, 0, 7)
	}
	return out
}

func (c *CPCClient) get(ctx context.Context, u string) ([]byte, error) {
	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		start := time.Now()
		resp, err := c.client.Do(req)
		metrics.ProviderLatency.WithLabelValues("cpc_live").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ProviderCallsTotal.WithLabelValues("cpc_live", "error").Inc()
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()
		metrics.ProviderCallsTotal.WithLabelValues("cpc_live", strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.MaxElapsedTime
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

// ftpArchive keeps one anonymous FTP session open across a range fetch and
// reconnects after a transport error.
type ftpArchive struct {
	addr string
	conn *ftp.ServerConn
}

func (a *ftpArchive) Fetch(ctx context.Context, path string) ([]byte, error) {
	if a.conn == nil {
		conn, err := ftp.Dial(a.addr, ftp.DialWithTimeout(30*time.Second), ftp.DialWithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("ftp dial: %w", err)
		}
		if err := conn.Login("anonymous", "anonymous"); err != nil {
			conn.Quit()
			return nil, fmt.Errorf("ftp login: %w", err)
		}
		a.conn = conn
	}

	resp, err := a.conn.Retr(path)
	if err != nil {
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) && tpErr.Code == ftp.StatusFileUnavailable {
			return nil, ErrArchiveMissing
		}
		a.Close()
		return nil, fmt.Errorf("ftp retr %s: %w", path, err)
	}
	defer resp.Close()

	body, err := io.ReadAll(resp)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return body, nil
}

func (a *ftpArchive) Close() error {
	if a.conn == nil {
		return nil
	}
	err := a.conn.Quit()
	a.conn = nil
	return err
}
