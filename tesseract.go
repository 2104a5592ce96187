package main

import (
	"fmt"

	"github.com/otiai10/gosseract/v2"
	"gocv.io/x/gocv"
)

// tesseractEngine is the TextRecognizer backed by libtesseract. It holds a
// single client and is not safe for concurrent use.
type tesseractEngine struct {
	client *gosseract.Client
}

// newTesseractEngine creates a client restricted to plate characters.
// tessdata may be empty to use the library default.
func newTesseractEngine(language, tessdata string) (*tesseractEngine, error) {
	client := gosseract.NewClient()

	if tessdata != "" {
		if err := client.SetTessdataPrefix(tessdata); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to set tessdata prefix: %w", err)
		}
	}
	if err := client.SetLanguage(language); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set OCR language: %w", err)
	}
	if err := client.SetWhitelist(plateAlphabet); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set OCR whitelist: %w", err)
	}

	return &tesseractEngine{client: client}, nil
}

func pageSegMode(layout Layout) gosseract.PageSegMode {
	switch layout {
	case LayoutSingleWord:
		return gosseract.PSM_SINGLE_WORD
	case LayoutRawLine:
		return gosseract.PSM_RAW_LINE
	default:
		return gosseract.PSM_SINGLE_LINE
	}
}

// Recognize runs OCR on img under layout and returns the word tokens.
func (e *tesseractEngine) Recognize(img gocv.Mat, layout Layout) ([]Token, error) {
	buf, err := gocv.IMEncode(".png", img)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	defer buf.Close()

	if err := e.client.SetPageSegMode(pageSegMode(layout)); err != nil {
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	if err := e.client.SetImageFromBytes(buf.GetBytes()); err != nil {
		return nil, fmt.Errorf("failed to set OCR image: %w", err)
	}

	boxes, err := e.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("failed to get bounding boxes: %w", err)
	}

	tokens := make([]Token, 0, len(boxes))
	for _, box := range boxes {
		tokens = append(tokens, Token{Text: box.Word, Confidence: box.Confidence})
	}
	return tokens, nil
}

// Close releases the Tesseract client.
func (e *tesseractEngine) Close() error {
	return e.client.Close()
}
