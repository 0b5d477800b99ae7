// Copyright 2024 The compositional-image-captioning Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/embedding"
	"github.com/nlpodyssey/spago/nn/linear"
	"github.com/rs/zerolog/log"

	"github.com/nilinykh/compositional-image-captioning/attention"
	"github.com/nilinykh/compositional-image-captioning/lstm"
)

const (
	// DefaultPyModelFilename is the expected name of the original PyTorch
	// decoder checkpoint inside the model directory.
	DefaultPyModelFilename = "pytorch_model.pt"
	// DefaultConfigFilename is the decoder configuration file name.
	DefaultConfigFilename = "config.json"
)

// ConverterConfig configures the checkpoint conversion.
type ConverterConfig struct {
	// The path to the directory where the models will be read from and written to.
	ModelDir string
	// The path to the input model file (default "pytorch_model.pt").
	PyModelFilename string
	// The path to the output model file (default "decoder_model.bin").
	GoModelFilename string
	// If true, overwrite the model file if it already exists (default false).
	OverwriteIfExist bool
}

// ConvertPickledModelToDecoder converts the original PyTorch captioning
// decoder checkpoint to a native model file. It expects a configuration file
// "config.json" in the same directory as the checkpoint.
//
// Only the top-down-ranking architecture has named parameters to map; other
// architectures are rejected.
func ConvertPickledModelToDecoder[T float.DType](config ConverterConfig) error {
	if config.PyModelFilename == "" {
		config.PyModelFilename = DefaultPyModelFilename
	}
	if config.GoModelFilename == "" {
		config.GoModelFilename = DefaultModelFilename
	}

	outputFilename := filepath.Join(config.ModelDir, config.GoModelFilename)

	if !config.OverwriteIfExist && fileExists(outputFilename) {
		log.Debug().Str("model", outputFilename).Msg("Model file already exists, skipping conversion")
		return nil
	}

	configFilename := filepath.Join(config.ModelDir, DefaultConfigFilename)
	modelConfig, err := LoadConfig(configFilename)
	if err != nil {
		return fmt.Errorf("failed to load config file %q: %w", configFilename, err)
	}
	if modelConfig.Architecture != TopDownRanking {
		return fmt.Errorf("checkpoint conversion is not supported for the %s architecture", modelConfig.Architecture)
	}

	inFilename := filepath.Join(config.ModelDir, config.PyModelFilename)
	conv := newConverter[T](modelConfig, inFilename, outputFilename)
	if err := conv.run(); err != nil {
		return fmt.Errorf("model conversion failed: %w", err)
	}
	return nil
}

func fileExists(name string) bool {
	info, err := os.Stat(name)
	return err == nil && !info.IsDir()
}

type converter[T float.DType] struct {
	model       *Model
	inFilename  string
	outFilename string
	params      paramsMap
}

func newConverter[T float.DType](conf Config, inFilename, outFilename string) *converter[T] {
	return &converter[T]{
		model:       &Model{Config: conf},
		inFilename:  inFilename,
		outFilename: outFilename,
	}
}

func (c *converter[T]) run() error {
	funcs := []func() error{
		c.loadTorchModelParams,
		c.convEmbeddings,
		c.convImageEmbedding,
		c.convCells,
		c.convAttention,
		c.convOutput,
		c.convInitStateProjections,
		c.dumpModel,
	}
	for _, fn := range funcs {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

func (c *converter[T]) dumpModel() error {
	return Dump(c.model, c.outFilename)
}

func (c *converter[T]) convEmbeddings() error {
	embWeight, err := c.params.fetch("word_embedding.weight")
	if err != nil {
		return err
	}

	vecs, err := c.tensorToVectors(embWeight)
	if err != nil {
		return fmt.Errorf("failed to convert word embeddings: %w", err)
	}
	if vs := c.model.Config.VocabSize; len(vecs) != vs {
		return fmt.Errorf("expected embedding vectors to match vocabulary size %d, actual %d", vs, len(vecs))
	}
	if ws := c.model.Config.WordEmbeddingsSize; vecs[0].Size() != ws {
		return fmt.Errorf("expected embedding vectors to match configured size %d, actual %d", ws, vecs[0].Size())
	}

	embs := embedding.New[T](c.model.Config.VocabSize, c.model.Config.WordEmbeddingsSize)
	for i, vec := range vecs {
		embs.Weights[i].ReplaceValue(vec)
	}
	c.model.Embeddings = embs
	return nil
}

func (c *converter[T]) convImageEmbedding() (err error) {
	conf := c.model.Config
	c.model.ImageEmbedding, err = c.convLinear("image_embedding", [2]int{conf.JointEmbeddingsSize, conf.ImageFeaturesSize})
	if err != nil {
		err = fmt.Errorf("failed to convert image embedding: %w", err)
	}
	return
}

func (c *converter[T]) convCells() error {
	conf := c.model.Config

	langEnc, err := c.convLSTMCell("language_encoding_lstm.lstm_cell", lstm.Config{
		InputSize:  conf.WordEmbeddingsSize,
		HiddenSize: conf.JointEmbeddingsSize,
	})
	if err != nil {
		return fmt.Errorf("failed to convert language-encoding cell: %w", err)
	}
	c.model.LanguageEncodingLSTM = langEnc

	att, err := c.convLSTMCell("attention_lstm.lstm_cell", lstm.Config{
		InputSize:  conf.LanguageLSTMSize + 2*conf.JointEmbeddingsSize,
		HiddenSize: conf.AttentionLSTMSize,
	})
	if err != nil {
		return fmt.Errorf("failed to convert attention cell: %w", err)
	}
	c.model.AttentionLSTM = att

	lang, err := c.convLSTMCell("language_generation_lstm.lstm_cell", lstm.Config{
		InputSize:  conf.AttentionLSTMSize + conf.JointEmbeddingsSize,
		HiddenSize: conf.LanguageLSTMSize,
	})
	if err != nil {
		return fmt.Errorf("failed to convert language-generation cell: %w", err)
	}
	c.model.LanguageLSTM = lang
	return nil
}

// convLSTMCell maps one torch LSTMCell to a Model cell. Torch packs the four
// gates along the rows of weight_ih/weight_hh in the order input, forget,
// candidate, output, and carries two bias vectors that act additively.
func (c *converter[T]) convLSTMCell(prefix string, conf lstm.Config) (*lstm.Model, error) {
	h, in := conf.HiddenSize, conf.InputSize

	wih, err := c.fetchParamToMatrix(prefix+".weight_ih", [2]int{4 * h, in})
	if err != nil {
		return nil, err
	}
	whh, err := c.fetchParamToMatrix(prefix+".weight_hh", [2]int{4 * h, h})
	if err != nil {
		return nil, err
	}
	bih, err := c.fetchParamToVector(prefix+".bias_ih", 4*h)
	if err != nil {
		return nil, err
	}
	bhh, err := c.fetchParamToVector(prefix+".bias_hh", 4*h)
	if err != nil {
		return nil, err
	}
	bias := bih.Add(bhh)

	gateW := splitRows[T](wih, h, in)
	gateU := splitRows[T](whh, h, h)
	gateB := splitVec[T](bias, h)

	cell := &lstm.Model{Config: conf}
	cell.WIn, cell.WInRec, cell.BIn = nn.NewParam(gateW[0]), nn.NewParam(gateU[0]), nn.NewParam(gateB[0])
	cell.WFor, cell.WForRec, cell.BFor = nn.NewParam(gateW[1]), nn.NewParam(gateU[1]), nn.NewParam(gateB[1])
	cell.WCand, cell.WCandRec, cell.BCand = nn.NewParam(gateW[2]), nn.NewParam(gateU[2]), nn.NewParam(gateB[2])
	cell.WOut, cell.WOutRec, cell.BOut = nn.NewParam(gateW[3]), nn.NewParam(gateU[3]), nn.NewParam(gateB[3])
	return cell, nil
}

func (c *converter[T]) convAttention() error {
	conf := c.model.Config

	wFeatures, err := c.fetchParamToMatrix("attention.linear_image_features.weight", [2]int{conf.AttentionLayerSize, conf.JointEmbeddingsSize})
	if err != nil {
		return fmt.Errorf("failed to convert attention feature projection: %w", err)
	}
	wControl, err := c.fetchParamToMatrix("attention.linear_att_lstm.weight", [2]int{conf.AttentionLayerSize, conf.AttentionLSTMSize})
	if err != nil {
		return fmt.Errorf("failed to convert attention control projection: %w", err)
	}
	scoringW, err := c.params.fetch("attention.linear_attention.weight")
	if err != nil {
		return err
	}
	v, err := c.tensorToSqueezedVector(scoringW)
	if err != nil {
		return fmt.Errorf("failed to convert attention scoring vector: %w", err)
	}
	if v.Size() != conf.AttentionLayerSize {
		return fmt.Errorf("expected attention scoring vector of size %d, actual %d", conf.AttentionLayerSize, v.Size())
	}
	b, err := c.fetchParamToVector("attention.linear_attention.bias", 1)
	if err != nil {
		return fmt.Errorf("failed to convert attention scoring bias: %w", err)
	}

	c.model.Attention = &attention.Model{
		Config: attention.Config{
			FeaturesSize: conf.JointEmbeddingsSize,
			ControlSize:  conf.AttentionLSTMSize,
			HiddenSize:   conf.AttentionLayerSize,
		},
		WFeatures: nn.NewParam(wFeatures),
		WControl:  nn.NewParam(wControl),
		V:         nn.NewParam(v),
		B:         nn.NewParam(b),
	}
	return nil
}

func (c *converter[T]) convOutput() (err error) {
	conf := c.model.Config
	c.model.Output, err = c.convLinear("fully_connected", [2]int{conf.VocabSize, conf.LanguageLSTMSize})
	if err != nil {
		err = fmt.Errorf("failed to convert output projection: %w", err)
	}
	return
}

func (c *converter[T]) convInitStateProjections() error {
	conf := c.model.Config
	for _, p := range []struct {
		name   string
		target **linear.Model
		rows   int
	}{
		{"init_h_attention", &c.model.InitHAttention, conf.AttentionLSTMSize},
		{"init_c_attention", &c.model.InitCAttention, conf.AttentionLSTMSize},
		{"init_h_lan_gen", &c.model.InitHLanguage, conf.LanguageLSTMSize},
		{"init_c_lan_gen", &c.model.InitCLanguage, conf.LanguageLSTMSize},
	} {
		lin, err := c.convLinear(p.name, [2]int{p.rows, conf.JointEmbeddingsSize})
		if err != nil {
			return fmt.Errorf("failed to convert %s: %w", p.name, err)
		}
		*p.target = lin
	}
	return nil
}

func (c *converter[T]) convLinear(prefix string, expectedSize [2]int) (*linear.Model, error) {
	w, err := c.fetchParamToMatrix(prefix+".weight", expectedSize)
	if err != nil {
		return nil, err
	}
	b, err := c.fetchParamToVector(prefix+".bias", expectedSize[0])
	if err != nil {
		return nil, err
	}
	return &linear.Model{
		W: nn.NewParam(w),
		B: nn.NewParam(b),
	}, nil
}

func (c *converter[T]) loadTorchModelParams() error {
	torchModel, err := pytorch.Load(c.inFilename)
	if err != nil {
		return fmt.Errorf("failed to load torch model %q: %w", c.inFilename, err)
	}
	c.params, err = makeParamsMap(torchModel)
	if err != nil {
		return fmt.Errorf("failed to read model params: %w", err)
	}
	return nil
}

func (c *converter[T]) tensorToVectors(t *pytorch.Tensor) ([]mat.Matrix, error) {
	if len(t.Size) != 2 {
		return nil, fmt.Errorf("expected 2 dimensions, actual %d", len(t.Size))
	}

	data, err := c.tensorData(t)
	if err != nil {
		return nil, err
	}

	rows := t.Size[0]
	cols := t.Size[1]

	vecs := make([]mat.Matrix, rows)
	for i := range vecs {
		d := data[i*cols : (i*cols)+cols]
		vecs[i] = mat.NewDense[T](mat.WithBacking(c.castMatrixData(d)))
	}
	return vecs, nil
}

func (c *converter[T]) tensorToMatrix(t *pytorch.Tensor) (mat.Matrix, error) {
	if len(t.Size) != 2 {
		return nil, fmt.Errorf("expected 2 dimensions, actual %d", len(t.Size))
	}
	data, err := c.tensorData(t)
	if err != nil {
		return nil, err
	}
	return mat.NewDense[T](mat.WithShape(t.Size[0], t.Size[1]), mat.WithBacking(c.castMatrixData(data))), nil
}

func (c *converter[T]) tensorToVector(t *pytorch.Tensor) (mat.Matrix, error) {
	if len(t.Size) != 1 {
		return nil, fmt.Errorf("expected 1 dimension, actual %d", len(t.Size))
	}
	data, err := c.tensorData(t)
	if err != nil {
		return nil, err
	}
	return mat.NewDense[T](mat.WithBacking(c.castMatrixData(data))), nil
}

func (c *converter[T]) tensorToSqueezedVector(t *pytorch.Tensor) (mat.Matrix, error) {
	data, err := c.tensorData(t)
	if err != nil {
		return nil, err
	}
	return mat.NewDense[T](mat.WithBacking(c.castMatrixData(data))), nil
}

func (c *converter[T]) castMatrixData(d []float32) []T {
	out := make([]T, len(d))
	for i, v := range d {
		out[i] = T(v)
	}
	return out
}

func (c *converter[T]) tensorData(t *pytorch.Tensor) ([]float32, error) {
	st, ok := t.Source.(*pytorch.FloatStorage)
	if !ok {
		return nil, fmt.Errorf("only FloatStorage is supported, actual %T", t.Source)
	}
	size := tensorDataSize(t)
	return st.Data[t.StorageOffset : t.StorageOffset+size], nil
}

func (c *converter[T]) fetchParamToVector(name string, expectedSize int) (mat.Matrix, error) {
	t, err := c.params.fetch(name)
	if err != nil {
		return nil, err
	}
	v, err := c.tensorToVector(t)
	if err != nil {
		return nil, err
	}
	if v.Size() != expectedSize {
		return nil, fmt.Errorf("expected vector size %d, actual %d", expectedSize, v.Size())
	}
	return v, nil
}

func (c *converter[T]) fetchParamToMatrix(name string, expectedSize [2]int) (mat.Matrix, error) {
	t, err := c.params.fetch(name)
	if err != nil {
		return nil, err
	}
	m, err := c.tensorToMatrix(t)
	if err != nil {
		return nil, err
	}
	if shape := m.Shape(); shape[0] != expectedSize[0] || shape[1] != expectedSize[1] {
		return nil, fmt.Errorf("expected matrix size %dx%d, actual %dx%d",
			expectedSize[0], expectedSize[1], shape[0], shape[1])
	}
	return m, nil
}

// splitRows cuts a (4*rows x cols) matrix into four (rows x cols) blocks.
func splitRows[T float.DType](m mat.Matrix, rows, cols int) [4]mat.Matrix {
	data := m.Data().F64()
	var out [4]mat.Matrix
	for g := 0; g < 4; g++ {
		block := data[g*rows*cols : (g+1)*rows*cols]
		backing := make([]T, len(block))
		for i, v := range block {
			backing[i] = T(v)
		}
		out[g] = mat.NewDense[T](mat.WithShape(rows, cols), mat.WithBacking(backing))
	}
	return out
}

func splitVec[T float.DType](v mat.Matrix, size int) [4]mat.Matrix {
	data := v.Data().F64()
	var out [4]mat.Matrix
	for g := 0; g < 4; g++ {
		block := data[g*size : (g+1)*size]
		backing := make([]T, len(block))
		for i, val := range block {
			backing[i] = T(val)
		}
		out[g] = mat.NewDense[T](mat.WithBacking(backing))
	}
	return out
}

func tensorDataSize(t *pytorch.Tensor) int {
	size := t.Size[0]
	for _, v := range t.Size[1:] {
		size *= v
	}
	return size
}

func cast[T any](v any) (t T, _ error) {
	t, ok := v.(T)
	if !ok {
		return t, fmt.Errorf("type assertion failed: expected %T, actual %T", t, v)
	}
	return
}

type paramsMap map[string]*pytorch.Tensor

func makeParamsMap(torchModel any) (paramsMap, error) {
	od, err := cast[*types.OrderedDict](torchModel)
	if err != nil {
		return nil, err
	}

	params := make(paramsMap, od.Len())
	for k, item := range od.Map {
		name, err := cast[string](k)
		if err != nil {
			return nil, fmt.Errorf("wrong param name type: %w", err)
		}
		tensor, err := cast[*pytorch.Tensor](item.Value)
		if err != nil {
			return nil, fmt.Errorf("wrong value type for param %q: %w", name, err)
		}
		params[name] = tensor
	}
	return params, nil
}

// fetch gets a value from params by its name, removing the entry from the map.
func (p paramsMap) fetch(name string) (*pytorch.Tensor, error) {
	t, ok := p[name]
	if !ok {
		return nil, fmt.Errorf("parameter %q not found", name)
	}
	delete(p, name)
	return t, nil
}
