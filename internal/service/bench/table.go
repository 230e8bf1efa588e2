package bench

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// WriteTable prints rows as an aligned table. Unavailable metrics print as "-".
func WriteTable(out io.Writer, rows []Row) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USERS\tINPUT TOKENS\tOUTPUT TOKENS\tTHROUGHPUT(TOK/S)\tLATENCY(MS)\tTTFT(MS)\tLATENCY/TOKEN(MS)")
	fmt.Fprintln(w, "-----\t------------\t-------------\t-----------------\t-----------\t--------\t-----------------")

	for _, r := range rows {
		if !r.Valid {
			fmt.Fprintf(w, "%d\t%d\t%d\t-\t-\t-\t-\n", r.Users, r.InputTokens, r.OutputTokens)
			continue
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%.3f\t%.3f\t%.3f\t%.3f\n",
			r.Users,
			r.InputTokens,
			r.OutputTokens,
			r.Throughput,
			r.LatencyMs,
			r.TTFTMs,
			r.PerTokenLatencyMs,
		)
	}
	return w.Flush()
}
