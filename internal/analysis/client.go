// Package analysis is the client for the remote light/shadow analysis
// service. The service computes the percentages, renders the overlay and
// keeps the history; this package only moves bytes and form fields.
package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// ErrInvalidRequest is returned before any network call when required
// fields are missing.
var ErrInvalidRequest = errors.New("invalid analysis request")

const (
	analyzePath    = "/procesar-imagen-simple"
	visualizePath  = "/procesar-imagen-visual"
	historyPath    = "/historial"
	fieldDataPath  = "/google-sheets/field-data"
	defaultTimeout = 60 * time.Second
)

// Request is one photograph plus the field location it was taken at.
type Request struct {
	Image       []byte
	Filename    string
	Company     string
	Farm        string
	Sector      string
	Lot         string
	Row         string
	PlantNumber string
	Latitude    *float64
	Longitude   *float64
}

// Validate checks the fields the service requires.
func (r Request) Validate() error {
	switch {
	case len(r.Image) == 0:
		return fmt.Errorf("%w: image is required", ErrInvalidRequest)
	case strings.TrimSpace(r.Company) == "":
		return fmt.Errorf("%w: company is required", ErrInvalidRequest)
	case strings.TrimSpace(r.Farm) == "":
		return fmt.Errorf("%w: farm is required", ErrInvalidRequest)
	}
	return nil
}

// Result is the service's answer.
type Result struct {
	Success          bool     `json:"success"`
	LightPercentage  float64  `json:"porcentaje_luz"`
	ShadowPercentage float64  `json:"porcentaje_sombra"`
	Farm             string   `json:"fundo"`
	Sector           string   `json:"sector"`
	Row              string   `json:"hilera"`
	Latitude         *float64 `json:"latitud"`
	Longitude        *float64 `json:"longitud"`
	TakenAt          string   `json:"fecha_tomada"`
	Message          string   `json:"mensaje"`
}

// VisualRequest asks for the light/shadow overlay of one image. Only the
// image is required; the service labels untagged runs itself.
type VisualRequest struct {
	Image    []byte
	Filename string
	Company  string
	Farm     string
	Sector   string
	Lot      string
}

// VisualResult carries the percentages and the overlay as a data URL.
type VisualResult struct {
	Success          bool    `json:"success"`
	LightPercentage  float64 `json:"porcentaje_luz"`
	ShadowPercentage float64 `json:"porcentaje_sombra"`
	Overlay          string  `json:"imagen_visual"`
	Farm             string  `json:"fundo"`
	Sector           string  `json:"sector"`
	Message          string  `json:"mensaje"`
}

// OverlayImage decodes the base64 data URL in Overlay.
func (r VisualResult) OverlayImage() (data []byte, contentType string, err error) {
	meta, payload, ok := strings.Cut(r.Overlay, ",")
	if !ok || !strings.HasPrefix(meta, "data:") || !strings.HasSuffix(meta, ";base64") {
		return nil, "", errors.New("overlay is not a base64 data URL")
	}
	contentType = strings.TrimSuffix(strings.TrimPrefix(meta, "data:"), ";base64")
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode overlay: %w", err)
	}
	return data, contentType, nil
}

// RecordID is a history row id. The service sends numbers for generated
// ids and strings for the ones stored in the sheet.
type RecordID string

func (id *RecordID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = RecordID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("record id must be a string or number: %s", data)
	}
	*id = RecordID(n.String())
	return nil
}

// Record is one past analysis.
type Record struct {
	ID               RecordID `json:"id"`
	Company          string   `json:"empresa"`
	Farm             string   `json:"fundo"`
	Sector           string   `json:"sector"`
	Lot              string   `json:"lote"`
	Row              string   `json:"hilera"`
	PlantNumber      string   `json:"numero_planta"`
	LightPercentage  float64  `json:"porcentaje_luz"`
	ShadowPercentage float64  `json:"porcentaje_sombra"`
	TakenAt          string   `json:"fecha_tomada"`
	Latitude         *float64 `json:"latitud"`
	Longitude        *float64 `json:"longitud"`
	Timestamp        string   `json:"timestamp"`
	Image            string   `json:"imagen"`
	Device           string   `json:"dispositivo"`
	Address          string   `json:"direccion"`
}

// History is the service's list of stored analyses, newest first.
type History struct {
	Success bool     `json:"success"`
	Total   int      `json:"total_procesamientos"`
	Records []Record `json:"procesamientos"`
}

// FieldData lists the known locations for the request form. Hierarchy is
// company → farm → sector → lots.
type FieldData struct {
	Companies []string                                  `json:"empresa"`
	Farms     []string                                  `json:"fundo"`
	Sectors   []string                                  `json:"sector"`
	Lots      []string                                  `json:"lote"`
	Hierarchy map[string]map[string]map[string][]string `json:"hierarchical"`
}

// Client talks to one analysis service. Timeout bounds each call and is
// shortened by the context deadline.
type Client struct {
	BaseURL string
	Timeout time.Duration
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: defaultTimeout,
	}
}

// Analyze uploads req and returns the service's percentages.
func (c *Client) Analyze(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	args := fiber.AcquireArgs()
	defer fiber.ReleaseArgs(args)
	args.Set("empresa", req.Company)
	args.Set("fundo", req.Farm)
	setIf(args, "sector", req.Sector)
	setIf(args, "lote", req.Lot)
	setIf(args, "hilera", req.Row)
	setIf(args, "numero_planta", req.PlantNumber)
	if req.Latitude != nil && req.Longitude != nil {
		args.Set("latitud", strconv.FormatFloat(*req.Latitude, 'f', -1, 64))
		args.Set("longitud", strconv.FormatFloat(*req.Longitude, 'f', -1, 64))
	}

	var res Result
	if err := c.postImage(ctx, analyzePath, req.Image, req.Filename, args, &res); err != nil {
		return Result{}, err
	}
	if !res.Success {
		return res, failure(res.Message)
	}
	return res, nil
}

// Visualize uploads the image and returns the service's overlay rendering.
func (c *Client) Visualize(ctx context.Context, req VisualRequest) (VisualResult, error) {
	if len(req.Image) == 0 {
		return VisualResult{}, fmt.Errorf("%w: image is required", ErrInvalidRequest)
	}

	args := fiber.AcquireArgs()
	defer fiber.ReleaseArgs(args)
	setIf(args, "empresa", req.Company)
	setIf(args, "fundo", req.Farm)
	setIf(args, "sector", req.Sector)
	setIf(args, "lote", req.Lot)

	var res VisualResult
	if err := c.postImage(ctx, visualizePath, req.Image, req.Filename, args, &res); err != nil {
		return VisualResult{}, err
	}
	if !res.Success {
		return res, failure(res.Message)
	}
	return res, nil
}

// History returns the most recent analyses stored by the service.
func (c *Client) History(ctx context.Context) (History, error) {
	var h History
	if err := c.get(ctx, historyPath, &h); err != nil {
		return History{}, err
	}
	if !h.Success {
		return h, failure("history unavailable")
	}
	return h, nil
}

// FieldData returns the company/farm/sector/lot choices for the form.
func (c *Client) FieldData(ctx context.Context) (FieldData, error) {
	var fd FieldData
	if err := c.get(ctx, fieldDataPath, &fd); err != nil {
		return FieldData{}, err
	}
	return fd, nil
}

func (c *Client) postImage(ctx context.Context, path string, image []byte, filename string, args *fiber.Args, out any) error {
	timeout, err := c.timeout(ctx)
	if err != nil {
		return err
	}
	if filename == "" {
		filename = "crop.jpg"
	}

	agent := fiber.Post(c.BaseURL + path)
	agent.Timeout(timeout)
	agent.FileData(&fiber.FormFile{
		Fieldname: "imagen",
		Name:      filename,
		Content:   image,
	})
	agent.MultipartForm(args)
	return c.do(agent, path, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	timeout, err := c.timeout(ctx)
	if err != nil {
		return err
	}
	agent := fiber.Get(c.BaseURL + path)
	agent.Timeout(timeout)
	return c.do(agent, path, out)
}

func (c *Client) do(agent *fiber.Agent, path string, out any) error {
	if err := agent.Parse(); err != nil {
		return fmt.Errorf("failed to prepare %s request: %w", path, err)
	}
	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("%s request failed: %w", path, errors.Join(errs...))
	}
	if code != http.StatusOK {
		return fmt.Errorf("analysis service returned %d for %s: %s", code, path, truncate(string(body), 200))
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// timeout is the client timeout shortened to the context deadline.
func (c *Client) timeout(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	timeout := c.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout || timeout <= 0 {
			timeout = left
		}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return timeout, nil
}

func failure(msg string) error {
	if msg == "" {
		msg = "processing failed"
	}
	return fmt.Errorf("analysis service: %s", msg)
}

func setIf(args *fiber.Args, key, value string) {
	if value != "" {
		args.Set(key, value)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
