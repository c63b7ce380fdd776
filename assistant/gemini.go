package assistant

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// maxHistory bounds the turns kept per conversation
const maxHistory = 40

// Gemini talks to the generateContent REST API and keeps a running chat
// history per conversation.
type Gemini struct {
	endpoint string
	apiKey   string
	model    string
	persona  string
	client   *http.Client

	mu      sync.Mutex
	history map[string][]content
}

func NewGemini(endpoint, apiKey, model, persona string, timeout time.Duration) *Gemini {
	return &Gemini{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		persona:  persona,
		client:   &http.Client{Timeout: timeout},
		history:  make(map[string][]content),
	}
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type latLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type generateRequest struct {
	Contents          []content        `json:"contents"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Tools             []map[string]any `json:"tools,omitempty"`
	ToolConfig        *toolConfig      `json:"toolConfig,omitempty"`
}

type toolConfig struct {
	RetrievalConfig struct {
		LatLng latLng `json:"latLng"`
	} `json:"retrievalConfig"`
}

type groundingSource struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

type generateResponse struct {
	Candidates []struct {
		Content           content `json:"content"`
		GroundingMetadata *struct {
			GroundingChunks []struct {
				Web  *groundingSource `json:"web"`
				Maps *groundingSource `json:"maps"`
			} `json:"groundingChunks"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
}

func (g *Gemini) SendMessage(ctx context.Context, req Request) (string, error) {
	turn := content{Role: "user", Parts: userParts(req)}

	g.mu.Lock()
	contents := append(append([]content(nil), g.history[req.ConversationID]...), turn)
	g.mu.Unlock()

	body := generateRequest{
		Contents: contents,
		Tools:    []map[string]any{{"googleMaps": map[string]any{}}},
	}
	if persona := firstNonEmpty(req.Persona, g.persona); persona != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: persona}}}
	}
	if req.Location != nil {
		body.ToolConfig = &toolConfig{}
		body.ToolConfig.RetrievalConfig.LatLng = latLng{Latitude: req.Location.Latitude, Longitude: req.Location.Longitude}
	}

	resp, err := g.generate(ctx, &body)
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("gemini: empty response")
	}

	cand := resp.Candidates[0]
	var text strings.Builder
	for _, p := range cand.Content.Parts {
		text.WriteString(p.Text)
	}
	reply := text.String()

	if cand.GroundingMetadata != nil {
		var sources []string
		seen := make(map[string]bool)
		for _, chunk := range cand.GroundingMetadata.GroundingChunks {
			var link string
			switch {
			case chunk.Maps != nil && chunk.Maps.URI != "":
				link = fmt.Sprintf("[%s](%s)", firstNonEmpty(chunk.Maps.Title, "Google Maps"), chunk.Maps.URI)
			case chunk.Web != nil && chunk.Web.URI != "":
				link = fmt.Sprintf("[%s](%s)", firstNonEmpty(chunk.Web.Title, "Source"), chunk.Web.URI)
			default:
				continue
			}
			if !seen[link] {
				seen[link] = true
				sources = append(sources, "- "+link)
			}
		}
		if len(sources) > 0 {
			reply += "\n\n**Sources:**\n" + strings.Join(sources, "\n")
		}
	}

	g.mu.Lock()
	h := append(g.history[req.ConversationID], turn, content{Role: "model", Parts: []part{{Text: text.String()}}})
	if len(h) > maxHistory {
		h = h[len(h)-maxHistory:]
	}
	g.history[req.ConversationID] = h
	g.mu.Unlock()

	return reply, nil
}

// Reset forgets every conversation history
func (g *Gemini) Reset() {
	g.mu.Lock()
	g.history = make(map[string][]content)
	g.mu.Unlock()
}

func (g *Gemini) generate(ctx context.Context, body *generateRequest) (*generateResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/models/%s:generateContent", g.endpoint, url.PathEscape(g.model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("gemini returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func userParts(req Request) []part {
	var parts []part
	if req.Media != "" {
		data := req.Media
		if _, after, ok := strings.Cut(data, ","); ok {
			data = after
		}
		mime := firstNonEmpty(req.MediaType, "text/plain")
		parts = append(parts, part{InlineData: &inlineData{MimeType: mime, Data: data}})
	}
	if req.Text != "" {
		parts = append(parts, part{Text: req.Text})
	}
	if len(parts) == 0 {
		parts = append(parts, part{Text: mediaOnlyPrompt})
	}
	return parts
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
