package tokenizer

// Tokenizer defines the minimal interface used by the engine and CLI.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
}

// Vocabulary is the read-only view of the token table that the grammar
// compiler and pipeline host API need.
type Vocabulary interface {
	Size() int
	TokenString(id int) string
	EOSID() int
	BOSID() int
}
