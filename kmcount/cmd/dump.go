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
	"fmt"
	"io"

	"github.com/shenwei356/kmcount"
	"github.com/spf13/cobra"
)

var dumpCmd = &cobra.Command{
	Use:   "dump <db-prefix>",
	Short: "List k-mers and counts of a database in sorted order",
	Long: `List k-mers and counts of a database in sorted order

Records are written as "<k-mer><TAB><count>" lines in ascending packed
k-mer order, merged across all bins.

`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			checkError(fmt.Errorf("exactly one database prefix is needed"))
		}

		r, err := kmcount.OpenDB(args[0])
		checkError(err)
		defer r.Close()

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

		k := r.Header.K
		for {
			kmer, count, err := r.Next()
			if err == io.EOF {
				break
			}
			checkError(err)
			outfh.Write(kmcount.Decode(kmer, k))
			fmt.Fprintf(outfh, "\t%d\n", count)
		}
	},
}

func init() {
	RootCmd.AddCommand(dumpCmd)

	dumpCmd.Flags().StringP("out-file", "o", "-", `out file ("-" for stdout, suffix .gz for gzipped out)`)
}
