package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shadecrop/internal/analysis"
	"shadecrop/internal/crop"
	"shadecrop/internal/raster"
)

type viewResponse struct {
	ID    string `json:"id"`
	State struct {
		Phase string    `json:"phase"`
		Crop  crop.Rect `json:"crop"`
	} `json:"state"`
	CropPercent crop.PercentRect `json:"crop_percent"`
	HasGPS      bool             `json:"has_gps"`
}

func newTestApp(t *testing.T, cfg Config) (*WebApp, *fiber.App) {
	t.Helper()
	if cfg.Sessions == nil {
		opts := crop.DefaultOptions()
		opts.DefaultAspect = crop.Free()
		cfg.Sessions = NewSessionStore(opts, raster.DefaultOptions())
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a := NewWebApp(cfg)
	return a, a.newApp(ctx)
}

func do(t *testing.T, app *fiber.App, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := app.Test(req, -1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&v))
	return v
}

func upload(t *testing.T, app *fiber.App, filename string, data []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	res, err := app.Test(req, -1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func openEditing(t *testing.T, app *fiber.App) string {
	t.Helper()
	res := upload(t, app, "plant.jpg", encodeImage(t, 1600, 900, raster.JPEG))
	require.Equal(t, http.StatusCreated, res.StatusCode)
	id := decode[viewResponse](t, res).ID

	res = do(t, app, http.MethodPost, "/api/sessions/"+id+"/events", map[string]any{
		"type":    "layout",
		"display": map[string]float64{"width": 800, "height": 450},
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	return id
}

func TestSessionLifecycle(t *testing.T) {
	_, app := newTestApp(t, Config{})

	res := upload(t, app, "plant.jpg", encodeImage(t, 1600, 900, raster.JPEG))
	require.Equal(t, http.StatusCreated, res.StatusCode)
	view := decode[viewResponse](t, res)
	assert.Equal(t, "loading", view.State.Phase)
	assert.False(t, view.HasGPS)
	events := "/api/sessions/" + view.ID + "/events"

	res = do(t, app, http.MethodPost, events, map[string]any{
		"type": "crop",
		"crop": map[string]float64{"x": 0, "y": 0, "width": 10, "height": 10},
	})
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res = do(t, app, http.MethodPost, "/api/sessions/"+view.ID+"/apply", nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res = do(t, app, http.MethodPost, events, map[string]any{
		"type":    "layout",
		"display": map[string]float64{"width": 800, "height": 450},
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	view = decode[viewResponse](t, res)
	assert.Equal(t, "editing", view.State.Phase)
	assert.InDelta(t, 720, view.State.Crop.Width, 1e-6)

	res = do(t, app, http.MethodPost, events, map[string]any{
		"type": "crop",
		"crop": map[string]float64{"x": 100, "y": 50, "width": 200, "height": 150},
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	view = decode[viewResponse](t, res)
	assert.Equal(t, crop.Rect{X: 100, Y: 50, Width: 200, Height: 150}, view.State.Crop)
	assert.InDelta(t, 12.5, view.CropPercent.X, 1e-9)

	res = do(t, app, http.MethodPost, "/api/sessions/"+view.ID+"/apply", map[string]float64{"dpr": 1})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "image/jpeg", res.Header.Get("Content-Type"))
	assert.Equal(t, "400", res.Header.Get("X-Image-Width"))
	assert.Equal(t, "300", res.Header.Get("X-Image-Height"))
	img, err := raster.Decode(res.Body)
	require.NoError(t, err)
	assert.Equal(t, 400, img.Bounds().Dx())
	assert.Equal(t, 300, img.Bounds().Dy())

	res = do(t, app, http.MethodPost, "/api/sessions/"+view.ID+"/apply", nil)
	assert.Equal(t, http.StatusGone, res.StatusCode)

	res = do(t, app, http.MethodPost, events, map[string]any{"type": "move", "dx": 5})
	assert.Equal(t, http.StatusGone, res.StatusCode)

	res = do(t, app, http.MethodDelete, "/api/sessions/"+view.ID, nil)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	res = do(t, app, http.MethodGet, "/api/sessions/"+view.ID, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestSessionEvents(t *testing.T) {
	_, app := newTestApp(t, Config{})
	id := openEditing(t, app)
	events := "/api/sessions/" + id + "/events"

	post := func(body map[string]any) *http.Response {
		return do(t, app, http.MethodPost, events, body)
	}

	t.Run("percent crop", func(t *testing.T) {
		res := post(map[string]any{
			"type": "crop",
			"crop": map[string]any{"unit": "%", "x": 10, "y": 10, "width": 50, "height": 50},
		})
		require.Equal(t, http.StatusOK, res.StatusCode)
		view := decode[viewResponse](t, res)
		assert.InDelta(t, 80, view.State.Crop.X, 1e-9)
		assert.InDelta(t, 225, view.State.Crop.Height, 1e-9)
	})

	t.Run("aspect", func(t *testing.T) {
		res := post(map[string]any{"type": "aspect", "aspect": "1:1"})
		require.Equal(t, http.StatusOK, res.StatusCode)
		view := decode[viewResponse](t, res)
		assert.InDelta(t, view.State.Crop.Width, view.State.Crop.Height, 1e-9)

		res = post(map[string]any{"type": "aspect", "aspect": "wide"})
		assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	})

	t.Run("resize", func(t *testing.T) {
		res := post(map[string]any{"type": "resize", "handle": "se", "dx": 10, "dy": 10})
		assert.Equal(t, http.StatusOK, res.StatusCode)

		res = post(map[string]any{"type": "resize", "handle": "middle"})
		assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	})

	t.Run("transform and reset", func(t *testing.T) {
		require.Equal(t, http.StatusOK, post(map[string]any{"type": "scale", "scale": 1.5}).StatusCode)
		require.Equal(t, http.StatusOK, post(map[string]any{"type": "rotate", "rotation": 30}).StatusCode)

		res := post(map[string]any{"type": "reset"})
		require.Equal(t, http.StatusOK, res.StatusCode)
		var raw struct {
			State struct {
				Transform crop.Transform `json:"transform"`
			} `json:"state"`
		}
		require.NoError(t, json.NewDecoder(res.Body).Decode(&raw))
		assert.Equal(t, crop.Identity(), raw.State.Transform)
	})

	t.Run("transform values are required", func(t *testing.T) {
		for _, body := range []map[string]any{
			{"type": "scale"},
			{"type": "scale", "scale": 0},
			{"type": "scale", "scale": -1},
			{"type": "rotate"},
		} {
			res := post(body)
			assert.Equal(t, http.StatusBadRequest, res.StatusCode, "%v", body)
		}
	})

	t.Run("unknown event", func(t *testing.T) {
		res := post(map[string]any{"type": "flip"})
		assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	})

	t.Run("relayout", func(t *testing.T) {
		res := post(map[string]any{"type": "layout", "display": map[string]float64{"width": 400, "height": 225}})
		require.Equal(t, http.StatusOK, res.StatusCode)
		view := decode[viewResponse](t, res)
		assert.LessOrEqual(t, view.State.Crop.Right(), 400.0)
	})
}

func TestRepeatedLayoutKeepsCrop(t *testing.T) {
	_, app := newTestApp(t, Config{})
	id := openEditing(t, app)
	events := "/api/sessions/" + id + "/events"

	res := do(t, app, http.MethodPost, events, map[string]any{
		"type": "crop",
		"crop": map[string]float64{"x": 10, "y": 10, "width": 160, "height": 90},
	})
	require.Equal(t, http.StatusOK, res.StatusCode)

	res = do(t, app, http.MethodPost, events, map[string]any{
		"type":    "layout",
		"display": map[string]float64{"width": 800, "height": 450},
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	view := decode[viewResponse](t, res)
	assert.Equal(t, crop.Rect{X: 10, Y: 10, Width: 160, Height: 90}, view.State.Crop)
}

func TestSessionErrors(t *testing.T) {
	_, app := newTestApp(t, Config{})

	res := do(t, app, http.MethodGet, "/api/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	body := decode[map[string]string](t, res)
	assert.Contains(t, body["error"], "not found")

	res = do(t, app, http.MethodDelete, "/api/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = upload(t, app, "broken.jpg", []byte("not an image"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = upload(t, app, "huge.png", inflatedPNG(t, 50000, 50000))
	assert.Equal(t, http.StatusRequestEntityTooLarge, res.StatusCode)

	res = do(t, app, http.MethodPost, "/api/sessions", map[string]string{"file": "a.jpg"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	id := openEditing(t, app)
	res = do(t, app, http.MethodPost, "/api/sessions/"+id+"/analyze", map[string]string{"company": "acme", "farm": "north"})
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestOpenFromRootDir(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "photos/plant.png", 64, 48)
	_, app := newTestApp(t, Config{RootDir: dir})

	res := do(t, app, http.MethodPost, "/api/sessions", map[string]string{"file": "photos/plant.png"})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	res = do(t, app, http.MethodPost, "/api/sessions", map[string]string{"file": "../../etc/passwd"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = do(t, app, http.MethodPost, "/api/sessions", map[string]string{"file": "missing.jpg"})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = do(t, app, http.MethodGet, "/api/ls", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	listing := decode[Directory](t, res)
	require.Len(t, listing.Files, 1)
	assert.Equal(t, ImageInfo{Width: 64, Height: 48}, listing.Files[0].Image)
	assert.True(t, strings.HasPrefix(listing.Files[0].URL, "/api/view?file="))
}

func TestAnalyzeSession(t *testing.T) {
	images := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, _, err := r.FormFile("imagen")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		_ = f.Close()
		images <- data
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"porcentaje_luz":70,"porcentaje_sombra":30,"fundo":"` + r.FormValue("fundo") + `"}`))
	}))
	defer srv.Close()

	_, app := newTestApp(t, Config{Analysis: analysis.NewClient(srv.URL)})
	id := openEditing(t, app)

	res := do(t, app, http.MethodPost, "/api/sessions/"+id+"/analyze", map[string]string{"company": "acme"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = do(t, app, http.MethodPost, "/api/sessions/"+id+"/analyze", map[string]string{"company": "acme", "farm": "north"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	result := decode[analysis.Result](t, res)
	assert.Equal(t, 70.0, result.LightPercentage)
	assert.Equal(t, "north", result.Farm)

	img, err := raster.Decode(bytes.NewReader(<-images))
	require.NoError(t, err)
	assert.Equal(t, 1440, img.Bounds().Dx())
}

func TestAnalysisProxies(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/procesar-imagen-visual", func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := r.FormFile("imagen"); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":true,"porcentaje_luz":25,"porcentaje_sombra":75,"imagen_visual":"data:image/jpeg;base64,AAAA","fundo":"`+r.FormValue("fundo")+`"}`)
	})
	mux.HandleFunc("/historial", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":true,"total_procesamientos":1,"procesamientos":[{"id":7,"fundo":"north","porcentaje_luz":60}]}`)
	})
	mux.HandleFunc("/google-sheets/field-data", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"sheets offline"}`, http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, app := newTestApp(t, Config{Analysis: analysis.NewClient(srv.URL)})

	t.Run("visualize", func(t *testing.T) {
		id := openEditing(t, app)
		res := do(t, app, http.MethodPost, "/api/sessions/"+id+"/visualize", map[string]string{"farm": "north"})
		require.Equal(t, http.StatusOK, res.StatusCode)
		result := decode[analysis.VisualResult](t, res)
		assert.Equal(t, 75.0, result.ShadowPercentage)
		assert.Equal(t, "north", result.Farm)
		assert.Equal(t, "data:image/jpeg;base64,AAAA", result.Overlay)

		res = do(t, app, http.MethodPost, "/api/sessions/"+id+"/visualize", nil)
		assert.Equal(t, http.StatusOK, res.StatusCode, "reuses the applied crop")
	})

	t.Run("visualize before layout", func(t *testing.T) {
		res := upload(t, app, "plant.jpg", encodeImage(t, 64, 48, raster.JPEG))
		id := decode[viewResponse](t, res).ID
		res = do(t, app, http.MethodPost, "/api/sessions/"+id+"/visualize", nil)
		assert.Equal(t, http.StatusConflict, res.StatusCode)
	})

	t.Run("history", func(t *testing.T) {
		res := do(t, app, http.MethodGet, "/api/history", nil)
		require.Equal(t, http.StatusOK, res.StatusCode)
		h := decode[analysis.History](t, res)
		require.Len(t, h.Records, 1)
		assert.Equal(t, analysis.RecordID("7"), h.Records[0].ID)
	})

	t.Run("field data upstream failure", func(t *testing.T) {
		res := do(t, app, http.MethodGet, "/api/field-data", nil)
		assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	})

	t.Run("no service configured", func(t *testing.T) {
		_, bare := newTestApp(t, Config{})
		for _, path := range []string{"/api/history", "/api/field-data"} {
			res := do(t, bare, http.MethodGet, path, nil)
			assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode, path)
		}
	})
}

func TestSaveAndAspects(t *testing.T) {
	var saved Operations
	_, app := newTestApp(t, Config{OnSave: func(ops Operations) { saved = ops }})

	res := do(t, app, http.MethodPost, "/api/save", map[string]any{
		"operations": []json.RawMessage{json.RawMessage(cropLine)},
	})
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	require.Len(t, saved, 1)
	assert.Equal(t, "photo.jpg", saved[0].Crop.Filename)

	res = do(t, app, http.MethodPost, "/api/save", map[string]any{
		"operations": []map[string]string{{"type": "pick", "filename": "../secret.jpg"}},
	})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Len(t, saved, 1)

	res = do(t, app, http.MethodGet, "/api/aspects", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	presets := decode[[]map[string]any](t, res)
	assert.Len(t, presets, len(crop.AspectPresets()))
	assert.Equal(t, "free", presets[0]["name"])
}

func TestShutdownIsIdempotent(t *testing.T) {
	a, app := newTestApp(t, Config{})
	res := do(t, app, http.MethodPost, "/api/shutdown", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	a.Shutdown()

	select {
	case <-a.shutdownCh:
	default:
		t.Fatal("shutdown channel not closed")
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(crop.ErrImageNotReady))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(crop.ErrDegenerateCrop))
	assert.Equal(t, http.StatusGone, statusFor(crop.ErrSessionClosed))
	assert.Equal(t, http.StatusInternalServerError, statusFor(crop.ErrSurfaceUnavailable))
	assert.Equal(t, http.StatusNotFound, statusFor(errSessionNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(crop.ErrSourceChanged))
	assert.Equal(t, http.StatusRequestEntityTooLarge, statusFor(raster.ErrImageTooLarge))
	assert.Equal(t, http.StatusTeapot, statusFor(fiber.NewError(http.StatusTeapot, "tea")))
}
