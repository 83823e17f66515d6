package model

import (
	"fmt"

	"graphforge/internal/graph"
	"graphforge/internal/schema"
)

// RecommenderConfig sizes the recommender dictionaries. Zero values take the
// MovieLens-1M sizes.
type RecommenderConfig struct {
	Users      int
	Genders    int
	Ages       int
	Jobs       int
	Movies     int
	Categories int
	TitleWords int
	// Tower is the width of the user and movie feature vectors.
	Tower int
}

func (c *RecommenderConfig) defaults() {
	def := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&c.Users, 6041)
	def(&c.Genders, 2)
	def(&c.Ages, 7)
	def(&c.Jobs, 21)
	def(&c.Movies, 3953)
	def(&c.Categories, 18)
	def(&c.TitleWords, 5175)
	def(&c.Tower, 200)
}

// RecommenderFeeds is the inference input order of the recommender.
var RecommenderFeeds = []string{
	"user_id", "gender_id", "age_id", "job_id",
	"movie_id", "category_id", "movie_title",
}

// RecommenderSchema declares the rating record: user and movie features
// followed by the score label.
func RecommenderSchema() schema.Schema {
	return schema.New(
		schema.IntField("user_id"),
		schema.IntField("gender_id"),
		schema.IntField("age_id"),
		schema.IntField("job_id"),
		schema.IntField("movie_id"),
		schema.IntSequence("category_id"),
		schema.IntSequence("movie_title"),
		schema.FloatField("score", 1),
	)
}

// Recommender builds the two-tower rating regressor: the cosine similarity
// of the user and movie features, scaled to the rating range, regressed on
// score with a square error.
func Recommender(s schema.Schema, cfg RecommenderConfig) (*Model, error) {
	cfg.defaults()
	b := graph.NewBuilder()
	in, err := declare(b, s, append(RecommenderFeeds, "score")...)
	if err != nil {
		return nil, fmt.Errorf("model recommender: %w", err)
	}

	usr := b.FC(b.Embedding(in["user_id"], cfg.Users, 32, graph.Named("user_table")), 32, graph.ActNone, graph.ParamAttr{})
	gender := b.FC(b.Embedding(in["gender_id"], cfg.Genders, 16, graph.Named("gender_table")), 16, graph.ActNone, graph.ParamAttr{})
	age := b.FC(b.Embedding(in["age_id"], cfg.Ages, 16, graph.Named("age_table")), 16, graph.ActNone, graph.ParamAttr{})
	job := b.FC(b.Embedding(in["job_id"], cfg.Jobs, 16, graph.Named("job_table")), 16, graph.ActNone, graph.ParamAttr{})
	user := b.FC(b.Concat(usr, gender, age, job), cfg.Tower, graph.ActTanh, graph.ParamAttr{})

	mov := b.FC(b.Embedding(in["movie_id"], cfg.Movies, 32, graph.Named("movie_table")), 32, graph.ActNone, graph.ParamAttr{})
	category := b.SequencePool(b.Embedding(in["category_id"], cfg.Categories, 32, graph.ParamAttr{}), graph.PoolSum)
	title := b.SequenceConvPool(b.Embedding(in["movie_title"], cfg.TitleWords, 32, graph.ParamAttr{}), 32, 3, graph.ActTanh, graph.PoolSum)
	movie := b.FC(b.Concat(mov, category, title), cfg.Tower, graph.ActTanh, graph.ParamAttr{})

	predict := b.Scale(b.CosSim(user, movie), 5)
	loss := b.Mean(b.SquareError(predict, in["score"]))

	return finish(b, &Model{
		Name:       "recommender",
		Schema:     s,
		Feeds:      append([]string(nil), RecommenderFeeds...),
		Prediction: predict.Name,
		Loss:       loss.Name,
		Label:      "score",
	})
}
