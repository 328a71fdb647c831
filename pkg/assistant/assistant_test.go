package assistant_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/isoassist/internal/models"
	"github.com/xhad/isoassist/internal/types"
	"github.com/xhad/isoassist/pkg/assistant"
	"github.com/xhad/isoassist/pkg/errs"
	"github.com/xhad/isoassist/pkg/store"
)

type fakeEmbedder struct {
	err error
}

func (f fakeEmbedder) Embed(_ context.Context, texts []string) (types.EmbedResult, error) {
	if f.err != nil {
		return types.EmbedResult{}, f.err
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{1, 0}
	}
	return types.EmbedResult{Vectors: vectors}, nil
}

type fakeGenerator struct {
	answer string
	err    error
	calls  atomic.Int32
	prompt atomic.Value
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.calls.Add(1)
	g.prompt.Store(prompt)
	return g.answer, g.err
}

func corpus(t *testing.T) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	m.AddDocument(models.Document{ID: 12, Title: "der_guide", URL: "https://iso.test/docs/der-guide_v2", ContentType: "pdf", FileName: "der-guide.pdf"})
	m.AddDocument(models.Document{ID: 47, Title: "Fee Schedule", URL: "https://iso.test/services/fees", ContentType: "web"})

	m.AddChunk(models.Chunk{ID: 1, DocumentID: 12, Content: "To register a DER, submit the RARF. Approval follows."})
	m.AddChunk(models.Chunk{ID: 2, DocumentID: 47, Content: "Registration fees must be paid before approval."})
	m.AddChunk(models.Chunk{ID: 3, DocumentID: 12, Content: "A DER owner should keep telemetry records."})
	m.SetEmbedding(1, []float32{1, 0})
	m.SetEmbedding(2, []float32{1, 0.2})
	m.SetEmbedding(3, []float32{1, 0.4})
	return m
}

func newAssistant(t *testing.T, m *store.Memory, e types.Embedder, g types.Generator) *assistant.Assistant {
	t.Helper()
	a, err := assistant.New(assistant.Deps{Store: m, Embedder: e, Generator: g}, assistant.Options{})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestAsk(t *testing.T) {
	gen := &fakeGenerator{answer: "## Answer\nSubmit the RARF [[12|Der Guide]].\n\nPay the fee first [[47|Fee Schedule]]."}
	a := newAssistant(t, corpus(t), fakeEmbedder{}, gen)

	answer, err := a.Ask(context.Background(), "How to register DER?", 5)
	require.NoError(t, err)
	assert.Empty(t, answer.Error)
	assert.Equal(t, int32(1), gen.calls.Load())
	assert.Contains(t, gen.prompt.Load(), "[[12|Der Guide]]: To register a DER")

	require.Len(t, answer.Citations, 2)
	assert.Equal(t, int64(12), answer.Citations[0].DocumentID)
	assert.Equal(t, int64(47), answer.Citations[1].DocumentID)
	for _, c := range answer.Citations {
		tag := answer.Answer[c.Start:c.End]
		assert.True(t, strings.HasPrefix(tag, "<cite data-doc-id="), tag)
		assert.Contains(t, tag, c.Title)
	}
	assert.Contains(t, answer.Answer, "<h3>Answer</h3>")

	require.Len(t, answer.Sources, 2)
	der := answer.Sources[0]
	assert.Equal(t, int64(1), der.ChunkID)
	assert.Equal(t, "https://iso.test/docs/der-guide.pdf", der.Metadata.URL)
	assert.Equal(t, "pdf", der.Metadata.DocumentType)
	assert.LessOrEqual(t, len(der.Highlights), 3)
	assert.Equal(t, "https://iso.test/services/fees", answer.Sources[1].Metadata.URL)
	assert.Equal(t, "web", answer.Sources[1].Metadata.DocumentType)

	assert.Equal(t, 3, answer.Metadata.TotalChunks)
	assert.Equal(t, 2, answer.Metadata.UniqueSources)
	assert.Equal(t, 2, answer.Metadata.TotalSources)
	assert.Equal(t, 13, answer.Metadata.TokenCount)
	assert.GreaterOrEqual(t, answer.Metadata.ProcessingTime, 0.0)
}

func TestAskWithoutMatches(t *testing.T) {
	m := store.NewMemory()
	m.AddDocument(models.Document{ID: 1, Title: "Empty"})
	m.AddChunk(models.Chunk{ID: 1, DocumentID: 1, Content: "not embedded yet"})
	gen := &fakeGenerator{answer: "unused"}

	answer, err := newAssistant(t, m, fakeEmbedder{}, gen).Ask(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Equal(t, assistant.NotFoundAnswer, answer.Answer)
	assert.Zero(t, gen.calls.Load())
	assert.NotNil(t, answer.Citations)
	assert.NotNil(t, answer.Sources)
	assert.Equal(t, 1, answer.Metadata.TotalSources)
}

func TestAskGenerationFailure(t *testing.T) {
	gen := &fakeGenerator{err: errs.FromStatus("ollama", 503, errors.New("model loading"))}

	answer, err := newAssistant(t, corpus(t), fakeEmbedder{}, gen).Ask(context.Background(), "register", 5)
	require.NoError(t, err)
	assert.Equal(t, assistant.FailedAnswer, answer.Answer)
	assert.Contains(t, answer.Error, "model loading")
	assert.NotNil(t, answer.Citations)
	assert.Empty(t, answer.Citations)
	assert.Len(t, answer.Sources, 2)
	assert.Equal(t, 3, answer.Metadata.TotalChunks)
}

func TestAskRetrievalFailure(t *testing.T) {
	quota := errs.FromStatus("jina", 402, errors.New("no credits"))
	gen := &fakeGenerator{answer: "unused"}

	answer, err := newAssistant(t, corpus(t), fakeEmbedder{err: quota}, gen).Ask(context.Background(), "register", 5)
	var rerr *errs.RetrievalError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, models.Answer{}, answer)
	assert.Zero(t, gen.calls.Load())
}

func TestSynthesizeAnswerCitationOffsets(t *testing.T) {
	gen := &fakeGenerator{answer: "1) Fill in the RARF [[12|Der Guide]]\n2) Pay the fee [[47|Fee Schedule]]"}
	a := newAssistant(t, corpus(t), fakeEmbedder{}, gen)

	ranked := []models.RetrievedChunk{
		{ChunkID: 1, Content: "Fill in the RARF.", Document: models.Document{ID: 12, Title: "der_guide"}},
		{ChunkID: 2, Content: "Pay the fee.", Document: models.Document{ID: 47, Title: "Fee Schedule"}},
	}
	answer := a.SynthesizeAnswer(context.Background(), "How to register DER?", ranked, ranked)

	require.Len(t, answer.Citations, 2)
	assert.Equal(t, []int64{12, 47}, []int64{answer.Citations[0].DocumentID, answer.Citations[1].DocumentID})
	for _, c := range answer.Citations {
		require.LessOrEqual(t, c.End, len(answer.Answer))
		assert.Equal(t, `<cite data-doc-id="`, answer.Answer[c.Start:c.Start+19])
	}
	assert.Contains(t, answer.Answer, "<ol>")
}

func TestAskConcurrent(t *testing.T) {
	gen := &fakeGenerator{answer: "Submit the RARF [[12|Der Guide]]."}
	a := newAssistant(t, corpus(t), fakeEmbedder{}, gen)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			answer, err := a.Ask(context.Background(), "register DER", 3)
			assert.NoError(t, err)
			assert.Len(t, answer.Citations, 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(8), gen.calls.Load())
}

func TestNewAndClose(t *testing.T) {
	_, err := assistant.New(assistant.Deps{}, assistant.Options{})
	assert.Error(t, err)

	var order []string
	a, err := assistant.New(assistant.Deps{
		Store:     store.NewMemory(),
		Embedder:  fakeEmbedder{},
		Generator: &fakeGenerator{},
		Closers: []func(){
			func() { order = append(order, "store") },
			func() { order = append(order, "llm") },
		},
	}, assistant.Options{})
	require.NoError(t, err)

	a.Close()
	a.Close()
	assert.Equal(t, []string{"llm", "store"}, order)
}
