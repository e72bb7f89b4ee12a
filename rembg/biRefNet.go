package rembg

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"image"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/chaos-io/sinfondo/imaging"
	nhttp "github.com/chaos-io/sinfondo/util/http"
)

const (
	BiRefNetModel = "BiRefNet-general"

	defaultBaseURL      = "http://127.0.0.1:8188/"
	defaultMaxSide      = 1024
	defaultPollInterval = 500 * time.Millisecond
	defaultTimeout      = 2 * time.Minute

	loadNodeID = "1"
	rmbgNodeID = "2"
	saveNodeID = "3"
)

//go:embed workflow.json
var workflowData []byte

type BiRefNetRemBG struct {
	baseURL      string
	maxSide      int
	pollInterval time.Duration
	timeout      time.Duration
	cli          nhttp.IClient
	log          *zap.Logger
}

func NewBiRefNetRemBG(opts Options, cli nhttp.IClient, log *zap.Logger) *BiRefNetRemBG {
	b := &BiRefNetRemBG{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		maxSide:      opts.MaxSide,
		pollInterval: opts.PollInterval,
		timeout:      opts.Timeout,
		cli:          cli,
		log:          log,
	}
	if b.baseURL == "" {
		b.baseURL = strings.TrimRight(defaultBaseURL, "/")
	}
	if b.maxSide <= 0 {
		b.maxSide = defaultMaxSide
	}
	if b.pollInterval <= 0 {
		b.pollInterval = defaultPollInterval
	}
	if b.timeout <= 0 {
		b.timeout = defaultTimeout
	}
	if b.log == nil {
		b.log = zap.NewNop()
	}
	return b
}

// Remove 上传 → 提交 workflow → 轮询 history → 下载结果，
// 最后把模型输出的 alpha 放大回原尺寸并套到原图上
func (b *BiRefNetRemBG) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	bounds := img.Bounds()
	input := imaging.ResizeWithinMax(img, b.maxSide)
	data, err := imaging.EncodePNG(input)
	if err != nil {
		return nil, err
	}

	uploaded, err := b.uploadImage(ctx, ksuid.New().String()+".png", data)
	if err != nil {
		return nil, err
	}

	promptID, err := b.prompt(ctx, uploaded.reference())
	if err != nil {
		return nil, err
	}

	out, err := b.waitForOutput(ctx, promptID)
	if err != nil {
		return nil, err
	}

	raw, err := b.view(ctx, out)
	if err != nil {
		return nil, err
	}

	result, _, err := imaging.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("comfyui output: %w", err)
	}

	mask := imaging.ScaleMask(imaging.AlphaMask(result), bounds.Dx(), bounds.Dy())
	b.log.Debug("birefnet mask applied",
		zap.String("prompt_id", promptID),
		zap.Int("width", bounds.Dx()),
		zap.Int("height", bounds.Dy()))

	return imaging.ApplyMask(img, mask), nil
}

// Ping checks that the ComfyUI server answers.
func (b *BiRefNetRemBG) Ping(ctx context.Context) error {
	return b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: b.baseURL + "/api/system_stats",
		Method:     http.MethodGet,
		Timeout:    5 * time.Second,
	})
}

type imageRef struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// reference is how LoadImage addresses an uploaded input.
func (r imageRef) reference() string {
	if r.Subfolder == "" {
		return r.Name
	}
	return r.Subfolder + "/" + r.Name
}

/*
	curl -X POST "$BASE_URL/api/upload/image" \
	  -F "image=@my_image.png" \
	  -F "type=input" \
	  -F "overwrite=true"

{"name": "my_image1.png", "subfolder": "", "type": "input"}
*/
func (b *BiRefNetRemBG) uploadImage(ctx context.Context, name string, data []byte) (*imageRef, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("image", name)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	_ = writer.WriteField("type", "input")
	_ = writer.WriteField("overwrite", "true")
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	resp := &imageRef{}
	err = b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: b.baseURL + "/api/upload/image",
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:       body,
		Response:   resp,
	})
	if err != nil {
		return nil, fmt.Errorf("upload image: %w", err)
	}
	if resp.Name == "" {
		resp.Name = name
	}

	b.log.Debug("uploaded image to comfyui", zap.String("name", resp.Name), zap.Int("bytes", len(data)))
	return resp, nil
}

type workflowNode struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

type promptResp struct {
	PromptID   string                     `json:"prompt_id"`
	Number     int                        `json:"number"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
}

// buildWorkflow 每次从内嵌模板重新解析，避免并发请求互相改写
func buildWorkflow(inputName string) (map[string]workflowNode, error) {
	wk := map[string]workflowNode{}
	if err := json.Unmarshal(workflowData, &wk); err != nil {
		return nil, fmt.Errorf("unmarshal workflow data: %w", err)
	}
	for _, id := range []string{loadNodeID, rmbgNodeID, saveNodeID} {
		if _, ok := wk[id]; !ok {
			return nil, fmt.Errorf("workflow is missing node %s", id)
		}
	}
	wk[loadNodeID].Inputs["image"] = inputName
	wk[rmbgNodeID].Inputs["model"] = BiRefNetModel
	return wk, nil
}

/*
	curl -X POST "$BASE_URL/api/prompt" \
	  -H "Content-Type: application/json" \
	  -d '{"prompt": '"$(cat workflow.json)"'}'
*/
func (b *BiRefNetRemBG) prompt(ctx context.Context, inputName string) (string, error) {
	wk, err := buildWorkflow(inputName)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]any{
		"prompt":    wk,
		"client_id": ksuid.New().String(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal workflow data: %w", err)
	}

	resp := &promptResp{}
	err = b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: b.baseURL + "/api/prompt",
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": "application/json"},
		Body:       body,
		Response:   resp,
	})
	if err != nil {
		return "", fmt.Errorf("queue prompt: %w", err)
	}
	if len(resp.NodeErrors) > 0 || resp.PromptID == "" {
		return "", fmt.Errorf("%w: %d node errors", ErrPromptFailed, len(resp.NodeErrors))
	}

	b.log.Debug("queued prompt", zap.String("prompt_id", resp.PromptID), zap.Int("number", resp.Number))
	return resp.PromptID, nil
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []imageRef `json:"images"`
	} `json:"outputs"`
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}

// waitForOutput polls /history until the prompt finishes or ctx expires.
func (b *BiRefNetRemBG) waitForOutput(ctx context.Context, promptID string) (*imageRef, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		history := map[string]historyEntry{}
		err := b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
			RequestURI: b.baseURL + "/api/history/" + url.PathEscape(promptID),
			Method:     http.MethodGet,
			Response:   &history,
		})
		if err != nil {
			return nil, fmt.Errorf("fetch history: %w", err)
		}

		if entry, ok := history[promptID]; ok {
			if entry.Status.StatusStr == "error" {
				return nil, fmt.Errorf("%w: prompt %s", ErrExecution, promptID)
			}
			if ref := pickOutput(entry); ref != nil {
				return ref, nil
			}
			if entry.Status.Completed {
				return nil, fmt.Errorf("%w: prompt %s", ErrNoOutput, promptID)
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for prompt %s: %w", promptID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// pickOutput prefers the SaveImage node, falling back to any node with images.
func pickOutput(entry historyEntry) *imageRef {
	if out, ok := entry.Outputs[saveNodeID]; ok && len(out.Images) > 0 {
		return &out.Images[0]
	}
	for _, out := range entry.Outputs {
		if len(out.Images) > 0 {
			return &out.Images[0]
		}
	}
	return nil
}

func (b *BiRefNetRemBG) view(ctx context.Context, ref *imageRef) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)

	var raw []byte
	err := b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: b.baseURL + "/api/view?" + q.Encode(),
		Method:     http.MethodGet,
		Response:   &raw,
	})
	if err != nil {
		return nil, fmt.Errorf("download output: %w", err)
	}
	return raw, nil
}
