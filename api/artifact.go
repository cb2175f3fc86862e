package api

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// UploadArtifact streams a job artifact to the control plane as a
// multipart upload. The reader is consumed once; uploads are not
// retried because the body cannot be replayed.
func (c *Client) UploadArtifact(ctx context.Context, jobID, name string, r io.Reader) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer pw.Close() //nolint:errcheck
		if err := mw.WriteField("job_id", jobID); err != nil {
			pw.CloseWithError(err) //nolint:errcheck
			return
		}
		part, err := mw.CreateFormFile("file", name)
		if err != nil {
			pw.CloseWithError(err) //nolint:errcheck
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			pw.CloseWithError(err) //nolint:errcheck
			return
		}
		pw.CloseWithError(mw.Close()) //nolint:errcheck
	}()

	url := fmt.Sprintf("%s/worker/%s/artifact/", c.baseURL, c.workerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return fmt.Errorf("ftworker/api: build upload request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ftworker/api: upload artifact: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return &StatusError{Code: resp.StatusCode, Body: string(msg)}
	}
	return nil
}

// DownloadArtifact streams an artifact from the control plane into w.
// Returns the number of bytes written.
func (c *Client) DownloadArtifact(ctx context.Context, artifactID string, w io.Writer) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/worker/%s/artifact/%s/", c.workerID, artifactID), nil, "")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close() //nolint:errcheck

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("ftworker/api: download artifact: %w", err)
	}
	return n, nil
}
