package dataset

import (
	"context"
	"math"
	"math/rand"

	"graphforge/internal/schema"
)

// MovielensOptions sizes a synthetic ratings corpus. Zero sizes take the
// MovieLens-1M dictionary sizes.
type MovielensOptions struct {
	Records    int
	Seed       int64
	Users      int
	Ages       int
	Jobs       int
	Movies     int
	Categories int
	TitleWords int
}

func (o *MovielensOptions) defaults() {
	def := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&o.Records, 1024)
	def(&o.Users, 6041)
	def(&o.Ages, 7)
	def(&o.Jobs, 21)
	def(&o.Movies, 3953)
	def(&o.Categories, 18)
	def(&o.TitleWords, 5175)
}

// Movielens generates ratings where a user's score for a movie rises with
// the overlap between the movie's categories and the user's favourite.
func Movielens(opts MovielensOptions) Source {
	opts.defaults()
	rng := rand.New(rand.NewSource(opts.Seed))
	records := make([]schema.Record, opts.Records)
	for i := range records {
		user := rng.Intn(opts.Users)
		movie := rng.Intn(opts.Movies)
		favourite := user % opts.Categories

		ncat := 1 + movie%3
		cats := make([]int64, ncat)
		hits := 0
		for c := range cats {
			cats[c] = int64((movie + c*5) % opts.Categories)
			if int(cats[c]) == favourite {
				hits++
			}
		}
		title := make([]int64, 1+movie%5)
		for w := range title {
			title[w] = int64((movie*7 + w*13) % opts.TitleWords)
		}
		score := 2 + 3*float64(hits)/float64(ncat) + rng.Float64()*0.5 - 0.25
		records[i] = schema.Record{
			"user_id":     schema.Ints(int64(user)),
			"gender_id":   schema.Ints(int64(user % 2)),
			"age_id":      schema.Ints(int64(user % opts.Ages)),
			"job_id":      schema.Ints(int64(user % opts.Jobs)),
			"movie_id":    schema.Ints(int64(movie)),
			"category_id": schema.Ints(cats...),
			"movie_title": schema.Ints(title...),
			"score":       schema.Floats(math.Min(5, math.Max(1, score))),
		}
	}
	return FromRecords(records)
}

// ConllOptions sizes a synthetic semantic role corpus.
type ConllOptions struct {
	Sentences  int
	Seed       int64
	Words      int
	Verbs      int
	ChunkTypes int
	MaxLen     int
}

// Labels is the tag dictionary size Conll emits with o: B and I per chunk
// type plus O. Unset ChunkTypes counts as the default.
func (o ConllOptions) Labels() int {
	o.defaults()
	return 2*o.ChunkTypes + 1
}

func (o *ConllOptions) defaults() {
	if o.Sentences <= 0 {
		o.Sentences = 256
	}
	if o.Words <= 0 {
		o.Words = 500
	}
	if o.Verbs <= 0 {
		o.Verbs = 50
	}
	if o.ChunkTypes <= 0 {
		o.ChunkTypes = 3
	}
	if o.MaxLen < 3 {
		o.MaxLen = 12
	}
}

// Conll generates predicate-centred sentences tagged in the IOB scheme
// (label 2*type for B, 2*type+1 for I, 2*ChunkTypes for O). Tokens before
// the predicate form one chunk, the predicate another, and the rest a third;
// word ids below 3 are punctuation and tagged O.
func Conll(opts ConllOptions) Source {
	opts.defaults()
	rng := rand.New(rand.NewSource(opts.Seed))
	outside := int64(2 * opts.ChunkTypes)
	records := make([]schema.Record, opts.Sentences)
	for i := range records {
		n := 3 + rng.Intn(opts.MaxLen-2)
		words := make([]int64, n)
		for j := range words {
			words[j] = int64(rng.Intn(opts.Words))
		}
		pred := rng.Intn(n)
		verb := int64(rng.Intn(opts.Verbs))

		around := func(off int) []int64 {
			w := words[0]
			if p := pred + off; p >= 0 && p < n {
				w = words[p]
			} else if p >= n {
				w = words[n-1]
			}
			return repeat(w, n)
		}
		marks := make([]int64, n)
		tags := make([]int64, n)
		prevChunk := int64(-1)
		for j := range words {
			if j >= pred-2 && j <= pred+2 {
				marks[j] = 1
			}
			var chunk int64
			switch {
			case j < pred:
				chunk = 0
			case j == pred:
				chunk = 1
			default:
				chunk = 2
			}
			chunk %= int64(opts.ChunkTypes)
			if words[j] < 3 && j != pred {
				tags[j] = outside
				prevChunk = -1
				continue
			}
			if chunk == prevChunk && j != pred && j != pred+1 {
				tags[j] = 2*chunk + 1
			} else {
				tags[j] = 2 * chunk
			}
			prevChunk = chunk
		}
		records[i] = schema.Record{
			"word_data":   schema.Ints(words...),
			"verb_data":   schema.Ints(repeat(verb, n)...),
			"ctx_n2_data": schema.Ints(around(-2)...),
			"ctx_n1_data": schema.Ints(around(-1)...),
			"ctx_0_data":  schema.Ints(around(0)...),
			"ctx_p1_data": schema.Ints(around(1)...),
			"ctx_p2_data": schema.Ints(around(2)...),
			"mark_data":   schema.Ints(marks...),
			"target":      schema.Ints(tags...),
		}
	}
	return FromRecords(records)
}

func repeat(v int64, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// ImageSetOptions sizes a synthetic image corpus.
type ImageSetOptions struct {
	Records int
	Classes int
	Size    int
	Seed    int64
}

// Images generates noisy [3, Size, Size] images whose mean colour and
// brightness gradient identify the class.
func Images(opts ImageSetOptions) Source {
	if opts.Records <= 0 {
		opts.Records = 512
	}
	if opts.Classes <= 0 {
		opts.Classes = 10
	}
	if opts.Size <= 0 {
		opts.Size = 32
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	plane := opts.Size * opts.Size
	records := make([]schema.Record, opts.Records)
	for i := range records {
		label := rng.Intn(opts.Classes)
		hue := 2 * math.Pi * float64(label) / float64(opts.Classes)
		base := [3]float64{
			0.5 + 0.4*math.Cos(hue),
			0.5 + 0.4*math.Cos(hue+2*math.Pi/3),
			0.5 + 0.4*math.Cos(hue+4*math.Pi/3),
		}
		pixels := make([]float64, 3*plane)
		for ch := 0; ch < 3; ch++ {
			for p := 0; p < plane; p++ {
				grad := float64(p%opts.Size) / float64(opts.Size) * 0.2 * float64(label%2)
				v := base[ch] + grad + rng.NormFloat64()*0.05
				pixels[ch*plane+p] = math.Min(1, math.Max(0, v))
			}
		}
		records[i] = schema.Record{
			PixelField: schema.Floats(pixels...),
			LabelField: schema.Ints(int64(label)),
		}
	}
	return FromRecords(records)
}

// Limit caps every pass of src at n records.
func Limit(src Source, n int) Source {
	return func(ctx context.Context, pass int) (Reader, error) {
		r, err := src(ctx, pass)
		if err != nil {
			return nil, err
		}
		return &limitReader{r: r, left: n}, nil
	}
}

type limitReader struct {
	r    Reader
	left int
}

func (l *limitReader) Next(ctx context.Context) (schema.Record, error) {
	if l.left <= 0 {
		return nil, ErrEndOfData
	}
	l.left--
	return l.r.Next(ctx)
}
