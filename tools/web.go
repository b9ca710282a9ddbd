package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Zenin797/SunoTherapist/core"
)

const (
	defaultWeatherURL = "https://api.openweathermap.org/data/2.5/weather"
	searchResults     = 5
)

// WebConfig configures the tools that reach the internet. Both stay hidden
// from the model unless AllowExternal is set and their endpoint is
// configured.
type WebConfig struct {
	AllowExternal bool
	SearxHost     string
	WeatherAPIKey string

	// WeatherURL overrides the OpenWeatherMap endpoint.
	WeatherURL string
	Timeout    time.Duration
}

// WebClient performs the HTTP calls of the web tools.
type WebClient struct {
	config     WebConfig
	httpClient *http.Client
}

// NewWebClient creates a client for the web tools.
func NewWebClient(cfg WebConfig) *WebClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WeatherURL == "" {
		cfg.WeatherURL = defaultWeatherURL
	}
	return &WebClient{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// WebTools returns web_search and get_weather.
func WebTools(c *WebClient) []core.Tool {
	return []core.Tool{WebSearchTool(c), WeatherTool(c)}
}

// ────────────────────────────────────────────────────────────────────────────
// web_search
// ────────────────────────────────────────────────────────────────────────────

// SearchHit is one web search result.
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

type searxResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// WebSearchTool searches the web through a SearxNG instance.
func WebSearchTool(c *WebClient) core.Tool {
	return New("web_search").
		Description(fmt.Sprintf("Search the internet. Returns up to %d results with title, url and snippet.", searchResults)).
		Schema(BuildSchemaWithThought(map[string]interface{}{
			"query": NonEmptyStringProperty("Search query"),
		}, "query")).
		AvailableWhen(func() bool {
			return c.config.AllowExternal && c.config.SearxHost != ""
		}).
		Handler(func(ctx context.Context, params *core.ToolParams) (*core.ToolResult, error) {
			var in struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(params.Input, &in); err != nil {
				return nil, core.Validationf("invalid input: %v", err)
			}
			hits, err := c.Search(ctx, in.Query)
			if err != nil {
				return nil, err
			}
			return core.Success(hits), nil
		}).
		Build()
}

// Search queries the SearxNG JSON API.
func (c *WebClient) Search(ctx context.Context, query string) ([]SearchHit, error) {
	endpoint := strings.TrimRight(c.config.SearxHost, "/") + "/search?" + url.Values{
		"q":      {query},
		"format": {"json"},
	}.Encode()

	var resp searxResponse
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}

	hits := make([]SearchHit, 0, searchResults)
	for _, r := range resp.Results {
		if len(hits) == searchResults {
			break
		}
		hits = append(hits, SearchHit{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return hits, nil
}

// ────────────────────────────────────────────────────────────────────────────
// get_weather
// ────────────────────────────────────────────────────────────────────────────

// Weather is a current weather summary.
type Weather struct {
	Location    string  `json:"location"`
	Description string  `json:"description"`
	TempC       float64 `json:"temp_c"`
	FeelsLikeC  float64 `json:"feels_like_c"`
	Humidity    int     `json:"humidity_percent"`
	WindSpeed   float64 `json:"wind_speed_ms"`
}

type owmResponse struct {
	Name    string `json:"name"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Sys struct {
		Country string `json:"country"`
	} `json:"sys"`
}

// WeatherTool reports current weather from OpenWeatherMap.
func WeatherTool(c *WebClient) core.Tool {
	return New("get_weather").
		Description("Get the current weather for a location, e.g. \"London,GB\".").
		Schema(BuildSchemaWithThought(map[string]interface{}{
			"location": NonEmptyStringProperty("City name, optionally followed by a country code"),
		}, "location")).
		AvailableWhen(func() bool {
			return c.config.AllowExternal && c.config.WeatherAPIKey != ""
		}).
		Handler(func(ctx context.Context, params *core.ToolParams) (*core.ToolResult, error) {
			var in struct {
				Location string `json:"location"`
			}
			if err := json.Unmarshal(params.Input, &in); err != nil {
				return nil, core.Validationf("invalid input: %v", err)
			}
			w, err := c.Weather(ctx, in.Location)
			if err != nil {
				return nil, err
			}
			return core.Success(w), nil
		}).
		Build()
}

// Weather fetches the current weather for location.
func (c *WebClient) Weather(ctx context.Context, location string) (*Weather, error) {
	endpoint := c.config.WeatherURL + "?" + url.Values{
		"q":     {location},
		"appid": {c.config.WeatherAPIKey},
		"units": {"metric"},
	}.Encode()

	var resp owmResponse
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("weather: %w", err)
	}

	w := &Weather{
		Location:   resp.Name,
		TempC:      resp.Main.Temp,
		FeelsLikeC: resp.Main.FeelsLike,
		Humidity:   resp.Main.Humidity,
		WindSpeed:  resp.Wind.Speed,
	}
	if resp.Sys.Country != "" {
		w.Location += ", " + resp.Sys.Country
	}
	if len(resp.Weather) > 0 {
		w.Description = resp.Weather[0].Description
	}
	return w, nil
}

func (c *WebClient) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncateBody(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func truncateBody(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
