package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	gro "github.com/nevindra/gro"
)

// batchResponse is the top-level JSON returned by both create and get batch
// endpoints. The batch data lives inside the metadata field.
type batchResponse struct {
	Name     string        `json:"name"`
	Metadata batchMetadata `json:"metadata"`
}

type batchMetadata struct {
	State      string       `json:"state"`
	CreateTime string       `json:"createTime"`
	UpdateTime string       `json:"updateTime"`
	Output     *batchOutput `json:"output"`
}

type batchOutput struct {
	InlinedResponses *batchInlinedResponseList `json:"inlinedResponses"`
}

type batchInlinedResponseList struct {
	InlinedResponses []batchInlinedResponse `json:"inlinedResponses"`
}

type batchInlinedResponse struct {
	Metadata map[string]string `json:"metadata"`
	Response geminiResponse    `json:"response"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// SubmitBatch submits summarization units as an inline batch job. Each
// unit's CustomID rides in the request metadata and comes back with the
// result. Implements gro.BatchDriver.
func (d *Driver) SubmitBatch(ctx context.Context, reqs []gro.BatchRequest) (string, error) {
	inline := make([]map[string]any, 0, len(reqs))
	for _, r := range reqs {
		msgs := []gro.Message{
			gro.SystemMessage(r.Prompt),
			gro.UserMessage(r.Body),
		}
		body := buildBody(msgs, r.Model, gro.ChatOptions{MaxTokens: r.MaxTokens})
		inline = append(inline, map[string]any{
			"request":  body,
			"metadata": map[string]any{"key": r.CustomID},
		})
	}

	payload := map[string]any{
		"batch": map[string]any{
			"input_config": map[string]any{
				"requests": map[string]any{"requests": inline},
			},
		},
	}

	model := d.model
	if len(reqs) > 0 && reqs[0].Model != "" {
		model = reqs[0].Model
	}
	url := fmt.Sprintf("%s/models/%s:batchGenerateContent?key=%s", d.baseURL, model, d.apiKey)
	br, err := d.doBatchRequest(ctx, http.MethodPost, url, payload)
	if err != nil {
		return "", err
	}
	return br.Name, nil
}

// PollBatch reports whether the job finished and, once it has, converts the
// inlined responses to results keyed by the submitted CustomIDs. Implements
// gro.BatchDriver.
func (d *Driver) PollBatch(ctx context.Context, batchID string) (bool, []gro.BatchResult, error) {
	url := fmt.Sprintf("%s/%s?key=%s", d.baseURL, batchID, d.apiKey)
	br, err := d.doBatchRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, nil, err
	}

	switch br.Metadata.State {
	case "BATCH_STATE_PENDING", "JOB_STATE_PENDING", "BATCH_STATE_RUNNING", "JOB_STATE_RUNNING":
		return false, nil, nil
	case "BATCH_STATE_SUCCEEDED", "JOB_STATE_SUCCEEDED":
		// Fall through to result extraction.
	default:
		return true, nil, d.wrapErr("batch job ended in state " + br.Metadata.State)
	}

	if br.Metadata.Output == nil || br.Metadata.Output.InlinedResponses == nil {
		return true, nil, d.wrapErr("no results in batch response")
	}

	var results []gro.BatchResult
	for _, item := range br.Metadata.Output.InlinedResponses.InlinedResponses {
		res := gro.BatchResult{CustomID: item.Metadata["key"]}
		if item.Error != nil {
			res.Err = item.Error.Message
		} else {
			res.Text = parseGeminiResponse(item.Response).Text
		}
		results = append(results, res)
	}
	return true, results, nil
}

// CancelBatch requests cancellation of a running or pending batch job.
func (d *Driver) CancelBatch(ctx context.Context, batchID string) error {
	url := fmt.Sprintf("%s/%s:cancel?key=%s", d.baseURL, batchID, d.apiKey)
	_, err := d.doBatchRequest(ctx, http.MethodPost, url, nil)
	return err
}

// doBatchRequest sends one batch API call and parses the job envelope.
func (d *Driver) doBatchRequest(ctx context.Context, method, url string, payload map[string]any) (batchResponse, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return batchResponse{}, d.wrapErr("marshal batch request: " + err.Error())
		}
		body = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return batchResponse{}, d.wrapErr("create batch request: " + err.Error())
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return batchResponse{}, d.wrapErr("batch request failed: " + err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return batchResponse{}, d.wrapErr("read batch response: " + err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return batchResponse{}, httpErr(resp, string(respBody))
	}

	var br batchResponse
	if err := json.Unmarshal(respBody, &br); err != nil {
		return batchResponse{}, d.wrapErr("parse batch response: " + err.Error())
	}
	return br, nil
}

// Compile-time interface check.
var _ gro.BatchDriver = (*Driver)(nil)
