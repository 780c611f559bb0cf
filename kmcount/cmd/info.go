// Copyright © 2022-2024 Wei Shen <shenwei356@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package cmd

import (
	humanize "github.com/dustin/go-humanize"
	"github.com/shenwei356/kmcount"
	"github.com/shenwei356/stable"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <db-prefix> [...]",
	Short: "Print information of k-mer databases",
	Long: `Print information of k-mer databases

For every <db-prefix> the pair <db-prefix>.kmc_pre/<db-prefix>.kmc_suf
is opened and its header summarized.

`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 {
			checkError(cmd.Help())
			return
		}

		outFile := getFlagString(cmd, "out-file")
		outfh, gw, w, err := outStream(outFile)
		checkError(err)
		defer func() {
			outfh.Flush()
			if gw != nil {
				gw.Close()
			}
			if w != nil && !isStdout(outFile) {
				w.Close()
			}
		}()

		style := &stable.TableStyle{
			Name: "plain",

			HeaderRow: stable.RowStyle{Begin: "", Sep: "  ", End: ""},
			DataRow:   stable.RowStyle{Begin: "", Sep: "  ", End: ""},
			Padding:   "",
		}

		columns := []stable.Column{
			{Header: "database"},
			{Header: "k", Align: stable.AlignRight},
			{Header: "canonical", Align: stable.AlignLeft},
			{Header: "counter-size", Align: stable.AlignRight},
			{Header: "lut-prefix", Align: stable.AlignRight},
			{Header: "signature-len", Align: stable.AlignRight},
			{Header: "scheme", Align: stable.AlignLeft},
			{Header: "bins", Align: stable.AlignRight},
			{Header: "cutoff-min", Align: stable.AlignRight},
			{Header: "cutoff-max", Align: stable.AlignRight},
			{Header: "k-mers", Align: stable.AlignRight},
		}
		tbl := stable.New()
		tbl.HeaderWithFormat(columns)

		yesNo := func(b bool) string {
			if b {
				return "yes"
			}
			return "no"
		}
		for _, prefix := range args {
			r, err := kmcount.OpenDB(prefix)
			checkError(err)
			h := r.Header
			tbl.AddRow([]interface{}{
				prefix,
				h.K,
				yesNo(h.BothStrands),
				h.CounterSize,
				h.LutPrefixLen,
				h.SignatureLen,
				h.Scheme.String(),
				h.NumBins,
				h.CutoffMin,
				h.CutoffMax,
				humanize.Comma(int64(h.NUniqueCounted)),
			})
			checkError(r.Close())
		}
		outfh.Write(tbl.Render(style))
	},
}

func init() {
	RootCmd.AddCommand(infoCmd)

	infoCmd.Flags().StringP("out-file", "o", "-", `out file ("-" for stdout, suffix .gz for gzipped out)`)
}
