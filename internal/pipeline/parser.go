package pipeline

import (
	"bufio"
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"codegraph-backend/internal/domain"
	"codegraph-backend/internal/errors"
)

// ParsedFile is a parser's output for one source file: the entities it
// defines and the relationships observed in it.
type ParsedFile struct {
	Entities      []*domain.Entity
	Relationships []*domain.Relationship
}

// Parser turns source text into graph drafts. Implementations are expected
// to be safe for concurrent use; the pipeline calls Parse from several
// workers at once.
type Parser interface {
	Parse(ctx context.Context, path, content string) (*ParsedFile, error)
}

// LineParser is the reference parser: a line-oriented scanner that picks
// out function definitions and imports across the common scripting and
// systems languages. It trades precision for having zero dependencies,
// which is enough for tests and the CLI demo; production deployments plug
// in a real parser behind the Parser interface.
type LineParser struct {
	now func() time.Time
}

// NewLineParser returns the reference parser.
func NewLineParser() *LineParser {
	return &LineParser{now: time.Now}
}

var (
	funcPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\s*(?:export\s+)?(?:async\s+)?function\s+([A-Za-z_$][\w$]*)`),
		regexp.MustCompile(`^\s*def\s+([A-Za-z_]\w*)\s*\(`),
		regexp.MustCompile(`^\s*func\s+(?:\([^)]*\)\s+)?([A-Za-z_]\w*)\s*\(`),
		regexp.MustCompile(`^\s*(?:export\s+)?const\s+([A-Za-z_$][\w$]*)\s*=\s*(?:async\s*)?\(`),
	}
	classPattern  = regexp.MustCompile(`^\s*(?:export\s+)?(?:abstract\s+)?class\s+([A-Za-z_$][\w$]*)`)
	importPattern = regexp.MustCompile(`^\s*(?:import\b.*?from\s+|import\s+|require\s*\(\s*|from\s+)['"]?([\w@./-]+)['"]?`)
	callPattern   = regexp.MustCompile(`\b([A-Za-z_$][\w$]*)\s*\(`)
)

var callKeywords = map[string]struct{}{
	"if": {}, "for": {}, "while": {}, "switch": {}, "return": {},
	"function": {}, "def": {}, "func": {}, "catch": {}, "new": {},
	"import": {}, "require": {}, "print": {},
}

// Parse scans the content line by line. It never returns a partial result
// with an error: a file either parses or is rejected whole.
func (p *LineParser) Parse(ctx context.Context, path, content string) (*ParsedFile, error) {
	if path == "" {
		return nil, errors.Validation(errors.CodeParseFailed, "path is required").
			WithComponent("pipeline").WithOperation("Parse").Build()
	}

	now := p.now().UTC()
	out := &ParsedFile{}

	fileEntity := &domain.Entity{
		ID:           "file_" + domain.Fingerprint(path),
		Type:         domain.EntityFile,
		Path:         path,
		Name:         filepath.Base(path),
		Language:     languageForPath(path),
		Hash:         domain.Fingerprint(content),
		Created:      now,
		LastModified: now,
	}
	out.Entities = append(out.Entities, fileEntity)

	defined := map[string]string{} // symbol name -> entity id

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, errors.Timeout(errors.CodeTimeout, "parse cancelled").
				WithComponent("pipeline").WithOperation("Parse").WithCause(err).Build()
		}
		lineNo++
		line := scanner.Text()

		if name, entityType := definitionOn(line); name != "" {
			sym := &domain.Entity{
				ID:           "sym_" + domain.Fingerprint(path, name),
				Type:         entityType,
				Path:         path,
				Name:         name,
				Language:     fileEntity.Language,
				Line:         lineNo,
				Created:      now,
				LastModified: now,
			}
			out.Entities = append(out.Entities, sym)
			defined[name] = sym.ID

			contains := &domain.Relationship{
				Type:         domain.RelContains,
				FromEntityID: fileEntity.ID,
				ToEntityID:   sym.ID,
				Confidence:   1,
				Evidence: []domain.Observation{
					domain.NewObservation(path, lineNo, 1, "definition", now),
				},
			}
			out.Relationships = append(out.Relationships, contains)
			continue
		}

		if m := importPattern.FindStringSubmatch(line); m != nil {
			imp := &domain.Relationship{
				Type:         domain.RelImports,
				FromEntityID: fileEntity.ID,
				ToEntityID:   "module_" + domain.Fingerprint(m[1]),
				ToRef:        domain.TargetRef{Symbol: m[1], Kind: "module"},
				Confidence:   0.9,
				Evidence: []domain.Observation{
					domain.NewObservation(path, lineNo, 1, "import", now),
				},
			}
			out.Relationships = append(out.Relationships, imp)
			continue
		}

		for _, m := range callPattern.FindAllStringSubmatch(line, -1) {
			callee := m[1]
			if _, skip := callKeywords[callee]; skip {
				continue
			}
			call := &domain.Relationship{
				Type:         domain.RelCalls,
				FromEntityID: fileEntity.ID,
				ToEntityID:   "sym_" + domain.Fingerprint(path, callee),
				ToRef:        domain.TargetRef{Symbol: callee, File: path, Kind: "call"},
				Confidence:   0.6,
				Evidence: []domain.Observation{
					domain.NewObservation(path, lineNo, strings.Index(line, callee)+1, "call", now),
				},
			}
			if id, ok := defined[callee]; ok {
				call.ToEntityID = id
				call.Confidence = 0.8
			}
			out.Relationships = append(out.Relationships, call)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Validation(errors.CodeParseFailed, "failed to scan source").
			WithComponent("pipeline").WithOperation("Parse").
			WithResource(path).WithCause(err).Build()
	}

	return out, nil
}

func definitionOn(line string) (string, domain.EntityType) {
	if m := classPattern.FindStringSubmatch(line); m != nil {
		return m[1], domain.EntityClass
	}
	for _, pat := range funcPatterns {
		if m := pat.FindStringSubmatch(line); m != nil {
			return m[1], domain.EntityFunction
		}
	}
	return "", ""
}

func languageForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx", ".mjs":
		return "javascript"
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".rs":
		return "rust"
	case ".java":
		return "java"
	case ".rb":
		return "ruby"
	default:
		return ""
	}
}
