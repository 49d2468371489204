package waybackproxy

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dylandreimerink/waybackproxy/cache"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

//WARCExporter writes the curated tier as a gzipped WARC/1.0 file.
// Each cached response becomes one response record carrying the original
// snapshot URL and archive date, so a curated set can be moved between
// deployments or inspected with standard archive tooling
type WARCExporter struct {
	Store  *cache.Store
	Logger *logrus.Logger
}

//Export streams all curated entries to w as gzipped WARC records.
// Entries that fail to load are skipped with a warning
func (exporter *WARCExporter) Export(ctx context.Context, w io.Writer) error {
	compressed := gzip.NewWriter(w)
	defer compressed.Close()

	if err := exporter.writeInfoRecord(compressed); err != nil {
		return err
	}

	exported := 0

	for page := 1; ; page++ {
		entries, total, err := exporter.Store.List(ctx, cache.TierCurated, page, 200, "")
		if err != nil {
			return fmt.Errorf("unable to list curated entries: %w", err)
		}

		if len(entries) == 0 {
			break
		}

		for _, entry := range entries {
			resp, _, err := exporter.Store.Get(ctx, entry.URL)
			if err != nil || resp == nil {
				exporter.Logger.WithField("url", entry.URL).Warning("Skipping unreadable entry during WARC export")
				continue
			}

			if err := exporter.writeResponseRecord(compressed, resp); err != nil {
				return err
			}

			exported++
		}

		if page*200 >= total {
			break
		}
	}

	exporter.Logger.WithField("records", exported).Info("WARC export complete")

	return compressed.Close()
}

func (exporter *WARCExporter) writeInfoRecord(w io.Writer) error {
	body := "software: WaybackCacheProxy/1.0\r\nformat: WARC File Format 1.0\r\n"

	header := fmt.Sprintf("WARC/1.0\r\n"+
		"WARC-Type: warcinfo\r\n"+
		"WARC-Record-ID: <urn:uuid:%s>\r\n"+
		"WARC-Date: %s\r\n"+
		"Content-Type: application/warc-fields\r\n"+
		"Content-Length: %d\r\n\r\n",
		uuid.NewString(), time.Now().UTC().Format(time.RFC3339), len(body))

	_, err := io.WriteString(w, header+body+"\r\n\r\n")
	return err
}

func (exporter *WARCExporter) writeResponseRecord(w io.Writer, resp *cache.CachedResponse) error {
	httpBlock := exporter.httpBlock(resp)

	header := fmt.Sprintf("WARC/1.0\r\n"+
		"WARC-Type: response\r\n"+
		"WARC-Record-ID: <urn:uuid:%s>\r\n"+
		"WARC-Date: %s\r\n"+
		"WARC-Target-URI: %s\r\n"+
		"Content-Type: application/http; msgtype=response\r\n"+
		"Content-Length: %d\r\n\r\n",
		uuid.NewString(), warcDate(resp.ArchiveDate), resp.SourceURL, len(httpBlock))

	if _, err := io.WriteString(w, header); err != nil {
		return err
	}

	if _, err := w.Write(httpBlock); err != nil {
		return err
	}

	_, err := io.WriteString(w, "\r\n\r\n")
	return err
}

//httpBlock renders the cached response as an HTTP/1.1 message, preserving the
// stored header order. The Content-Length is always computed from the stored
// body, a stored length would mis-frame the record for consumers
func (exporter *WARCExporter) httpBlock(resp *cache.CachedResponse) []byte {
	block := fmt.Sprintf("HTTP/1.1 %d %s\r\n", resp.StatusCode, statusText(resp.StatusCode))

	for _, header := range resp.Headers {
		if http.CanonicalHeaderKey(header.Name) == "Content-Length" {
			continue
		}
		block += header.Name + ": " + header.Value + "\r\n"
	}

	block += fmt.Sprintf("Content-Length: %d\r\n\r\n", len(resp.Body))

	return append([]byte(block), resp.Body...)
}

func statusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}

	return "Unknown"
}

//warcDate converts a YYYYMMDD[HHMMSS] archive date to the WARC timestamp
// format, falling back to the current time on malformed input
func warcDate(archiveDate string) string {
	for _, layout := range []string{"20060102150405", "20060102"} {
		if len(archiveDate) == len(layout) {
			if parsed, err := time.Parse(layout, archiveDate); err == nil {
				return parsed.UTC().Format(time.RFC3339)
			}
		}
	}

	return time.Now().UTC().Format(time.RFC3339)
}
