package scanning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini implements the Scanner interface using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini Scanner instance
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = receiptSchema()

	return &Gemini{
		client: client,
		model:  model,
	}, nil
}

// receiptSchema is receiptJSONSchema expressed as a genai schema
func receiptSchema() *genai.Schema {
	str := func() *genai.Schema { return &genai.Schema{Type: genai.TypeString} }
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"merchant": str(),
			"amount":   str(),
			"currency": str(),
			"date":     str(),
			"category": str(),
		},
		Required: requiredFields,
	}
}

// ScanReceipt analyzes a receipt and extracts its fields
func (g *Gemini) ScanReceipt(ctx context.Context, imageData []byte, contentType string) (*ReceiptData, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	pngData, err := toPNG(imageData, contentType)
	if err != nil {
		return nil, err
	}

	// genai.ImageData takes the format suffix, not the full MIME type
	resp, err := g.model.GenerateContent(ctx, genai.ImageData("png", pngData), genai.Text(receiptScanPrompt))
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("no response from gemini")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	data, err := parseReceiptJSON(text.String())
	if err != nil {
		return nil, fmt.Errorf("parsing receipt data: %w", err)
	}
	return data, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
