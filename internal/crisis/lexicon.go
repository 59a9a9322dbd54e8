package crisis

import "regexp"

// Tier is the keyword list for one risk level.
type Tier struct {
	Level    RiskLevel
	Keywords []string
}

// NamedPattern is a compiled acute-phrasing matcher with a stable identifier.
type NamedPattern struct {
	Name string
	Re   *regexp.Regexp
}

// Lexicon holds the static keyword tiers, scanned in order, and the
// structural patterns. Tiers are ordered from Critical down to Low.
type Lexicon struct {
	Tiers    []Tier
	Patterns []NamedPattern
}

// DefaultLexicon returns the Brazilian Portuguese lexicon used in production.
func DefaultLexicon() Lexicon {
	return Lexicon{
		Tiers: []Tier{
			{Critical, []string{
				"vou me matar", "vou me suicidar", "quero morrer agora",
				"tenho uma arma", "vou pular", "vou tomar remédios",
				"hoje é o último dia", "me despedindo", "acabou para mim",
			}},
			{High, []string{
				"suicídio", "me matar", "acabar com tudo", "não aguento mais",
				"quero morrer", "melhor morto", "sem saída", "sem esperança",
				"mundo seria melhor sem mim", "cansei de viver", "vai me matar",
				"ameaça de morte", "ameaçado de morte",
			}},
			{Medium, []string{
				"deprimido", "vazio", "sozinho", "triste demais",
				"sem sentido", "não vale a pena", "desisto", "acabou",
				"ninguém me ama", "sou um fardo",
			}},
			{Low, []string{
				"triste", "down", "mal", "chateado", "preocupado",
				"ansioso", "estressado", "cansado",
			}},
		},
		Patterns: []NamedPattern{
			{"first_person_intent", regexp.MustCompile(`(?i)vou.*(?:me matar|suicidar|morrer)`)},
			{"lethal_means", regexp.MustCompile(`(?i)(?:tenho|vou usar).*(?:arma|faca|remédio|veneno)`)},
			{"temporal_immediacy", regexp.MustCompile(`(?i)(?:hoje|agora|logo).*(?:morrer|acabar|suicídio)`)},
			{"farewell_note", regexp.MustCompile(`(?i)(?:escrevendo|deixando).*(?:carta|bilhete).*(?:despedida|adeus)`)},
			{"third_party_threat", regexp.MustCompile(`(?i)(?:ele|ela|eles).*(?:vai|vão).*me matar`)},
			{"death_threat", regexp.MustCompile(`(?i)ameaça.*(?:morte|matar)`)},
		},
	}
}
