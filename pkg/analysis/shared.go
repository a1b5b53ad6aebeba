package analysis

import (
	"context"
	"sync"

	"gocv.io/x/gocv"

	"github.com/chenBenjamin97/vehicle-scanner/pkg/track"
)

//SharedClassifier lets several sessions use one classifier, one call at a time
type SharedClassifier struct {
	mu sync.Mutex
	c  Classifier
}

func NewSharedClassifier(c Classifier) *SharedClassifier {
	return &SharedClassifier{c: c}
}

func (s *SharedClassifier) Classify(ctx context.Context, crop gocv.Mat) (track.Classification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.Classify(ctx, crop)
}

//SharedReader lets several sessions use one text reader, one call at a time
type SharedReader struct {
	mu sync.Mutex
	r  TextReader
}

func NewSharedReader(r TextReader) *SharedReader {
	return &SharedReader{r: r}
}

func (s *SharedReader) ReadText(ctx context.Context, crop gocv.Mat) ([]track.PlateRead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.ReadText(ctx, crop)
}
