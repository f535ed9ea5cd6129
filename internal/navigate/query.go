package navigate

import (
	"strings"

	"github.com/vidgrep/vidgrep/internal/catalog"
	"github.com/vidgrep/vidgrep/internal/selection"
	"github.com/vidgrep/vidgrep/internal/taskgraph"
)

// plan is one ready-to-run navigation query.
type plan struct {
	sql     string
	args    []any
	kind    taskgraph.ArtifactKind
	source  string
	snippet bool
}

// clauses accumulates WHERE fragments and their arguments in SQL order.
type clauses struct {
	conds []string
	args  []any
}

func (c *clauses) add(cond string, args ...any) {
	c.conds = append(c.conds, cond)
	c.args = append(c.args, args...)
}

func (c *clauses) whereSQL() string { return strings.Join(c.conds, " AND ") }

// directionConds bounds the walk. next takes everything starting at or
// after from; prev takes spans that both start and end at or before
// from, so the span containing from is never its own predecessor.
func directionConds(c *clauses, dir Direction, startCol, endCol string, fromMS int64) {
	if dir == Prev {
		c.add(startCol+" < ?", fromMS)
		c.add(endCol+" <= ?", fromMS)
		return
	}
	c.add(startCol+" >= ?", fromMS)
}

// applySelection folds the compiled policy into conditions on the
// artifacts alias, mirroring the artifact store's read path. The
// returned prefix carries the best_quality ordering, when active.
func applySelection(c *clauses, f selection.Filter) string {
	switch f.Mode {
	case catalog.SelectionLatest:
		c.add(`a.run_id = (
			SELECT a2.run_id FROM artifacts a2
			WHERE a2.video_id = a.video_id AND a2.artifact_type = a.artifact_type
			ORDER BY a2.created_at_ms DESC, a2.id DESC LIMIT 1
		)`)
	case catalog.SelectionProfile:
		c.add("a.model_profile = ?", f.Profile)
	case catalog.SelectionPinned:
		c.add("a.run_id = ?", f.RunID)
		if f.ArtifactID != "" {
			c.add("a.id = ?", f.ArtifactID)
		}
	case catalog.SelectionBestQuality:
		return `CASE a.model_profile
			WHEN 'high_quality' THEN 0
			WHEN 'balanced' THEN 1
			ELSE 2 END, `
	}
	return ""
}

// orderClause builds the ORDER BY. The global walk sorts by file
// creation first (NULLs forced last via max int64), then video id, then
// span; prev reverses every key.
func orderClause(global bool, prefix, startCol, idCol string, dir Direction) string {
	d := " ASC"
	if dir == Prev {
		d = " DESC"
	}
	keys := ""
	if global {
		keys = "COALESCE(v.file_created_at_ms, 9223372036854775807)" + d + ", a.video_id" + d + ", "
	}
	return " ORDER BY " + keys + prefix + startCol + d + ", " + idCol + d
}

// textSource binds an artifact kind to its FTS table and find tag.
type textSource struct {
	kind     taskgraph.ArtifactKind
	ftsTable string
	tag      string
}

var textSources = map[taskgraph.ArtifactKind]textSource{
	taskgraph.ArtifactTranscriptSegment: {taskgraph.ArtifactTranscriptSegment, "transcript_fts", "transcript"},
	taskgraph.ArtifactOCRText:           {taskgraph.ArtifactOCRText, "ocr_fts", "ocr"},
}

func sourcesFor(s Source) []textSource {
	switch s {
	case SourceTranscript:
		return []textSource{textSources[taskgraph.ArtifactTranscriptSegment]}
	case SourceOCR:
		return []textSource{textSources[taskgraph.ArtifactOCRText]}
	default:
		return []textSource{
			textSources[taskgraph.ArtifactTranscriptSegment],
			textSources[taskgraph.ArtifactOCRText],
		}
	}
}

// planJump dispatches a jump to the projection table that carries the
// kind's filter columns; kinds without one walk the envelopes directly.
func planJump(kind taskgraph.ArtifactKind, req JumpRequest, dir Direction, sel selection.Filter, limit int, global bool) (plan, error) {
	if req.Query != "" {
		src, ok := textSources[kind]
		if !ok {
			return plan{}, newError(CodeInvalidQuery, "query search requires a text kind, got %q", kind)
		}
		return planText(src, req.VideoID, req.Query, req.FromMS, dir, sel, limit, global), nil
	}

	switch kind {
	case taskgraph.ArtifactObjectDetection:
		return planProjection(kind, "object_labels", "p.label, '', p.confidence, ''", func(c *clauses) {
			if req.Label != "" {
				c.add("p.label = ?", req.Label)
			}
			if req.MinConfidence > 0 {
				c.add("p.confidence >= ?", req.MinConfidence)
			}
		}, req, dir, sel, limit, global), nil

	case taskgraph.ArtifactFaceDetection:
		return planProjection(kind, "face_clusters", "'', p.cluster_id, p.confidence, ''", func(c *clauses) {
			if req.ClusterID != "" {
				c.add("p.cluster_id = ?", req.ClusterID)
			}
			if req.MinConfidence > 0 {
				c.add("p.confidence >= ?", req.MinConfidence)
			}
		}, req, dir, sel, limit, global), nil

	case taskgraph.ArtifactTranscriptSegment:
		return planProjection(kind, "transcript_segments", "'', '', 0, p.text", nil, req, dir, sel, limit, global), nil

	case taskgraph.ArtifactOCRText:
		return planProjection(kind, "ocr_blocks", "'', '', 0, p.text", nil, req, dir, sel, limit, global), nil

	default:
		return planEnvelopes(kind, req, dir, sel, limit, global), nil
	}
}

func planProjection(kind taskgraph.ArtifactKind, table, decor string, narrow func(*clauses), req JumpRequest, dir Direction, sel selection.Filter, limit int, global bool) plan {
	var c clauses
	if !global {
		c.add("p.video_id = ?", req.VideoID)
	}
	directionConds(&c, dir, "p.start_ms", "p.end_ms", req.FromMS)
	if narrow != nil {
		narrow(&c)
	}
	prefix := applySelection(&c, sel)

	from := "FROM " + table + " p JOIN artifacts a ON a.id = p.artifact_id"
	if global {
		from += " JOIN videos v ON v.id = a.video_id"
	}

	q := "SELECT a.id, a.video_id, p.start_ms, p.end_ms, " + decor + " " +
		from + " WHERE " + c.whereSQL() +
		orderClause(global, prefix, "p.start_ms", "a.id", dir) + " LIMIT ?"
	return plan{sql: q, args: append(c.args, limit), kind: kind}
}

func planEnvelopes(kind taskgraph.ArtifactKind, req JumpRequest, dir Direction, sel selection.Filter, limit int, global bool) plan {
	var c clauses
	c.add("a.artifact_type = ?", kind)
	if !global {
		c.add("a.video_id = ?", req.VideoID)
	}
	directionConds(&c, dir, "a.span_start_ms", "a.span_end_ms", req.FromMS)
	prefix := applySelection(&c, sel)

	from := "FROM artifacts a"
	if global {
		from += " JOIN videos v ON v.id = a.video_id"
	}

	q := "SELECT a.id, a.video_id, a.span_start_ms, a.span_end_ms, '', '', 0, '' " +
		from + " WHERE " + c.whereSQL() +
		orderClause(global, prefix, "a.span_start_ms", "a.id", dir) + " LIMIT ?"
	return plan{sql: q, args: append(c.args, limit), kind: kind}
}

// planText routes through the FTS index. The match term is a quoted
// phrase, so user input cannot smuggle in fts5 query syntax.
func planText(src textSource, videoID, query string, fromMS int64, dir Direction, sel selection.Filter, limit int, global bool) plan {
	fts := src.ftsTable
	var c clauses
	c.add(fts+" MATCH ?", ftsQuote(query))
	if !global {
		c.add(fts+".video_id = ?", videoID)
	}
	directionConds(&c, dir, fts+".start_ms", fts+".end_ms", fromMS)
	prefix := applySelection(&c, sel)

	from := "FROM " + fts + " JOIN artifacts a ON a.id = " + fts + ".artifact_id"
	if global {
		from += " JOIN videos v ON v.id = a.video_id"
	}

	q := "SELECT " + fts + ".artifact_id, " + fts + ".video_id, " + fts + ".start_ms, " + fts + ".end_ms, " +
		"'', '', 0, snippet(" + fts + ", 0, '[', ']', '...', 12) " +
		from + " WHERE " + c.whereSQL() +
		orderClause(global, prefix, fts+".start_ms", fts+".artifact_id", dir) + " LIMIT ?"
	return plan{sql: q, args: append(c.args, limit), kind: src.kind, source: src.tag, snippet: true}
}

func ftsQuote(q string) string {
	return `"` + strings.ReplaceAll(q, `"`, `""`) + `"`
}
