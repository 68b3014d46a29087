/*
 * // Copyright 2020 Thales DIS CPL Inc
 * //
 * // Permission is hereby granted, free of charge, to any person obtaining
 * // a copy of this software and associated documentation files (the
 * // "Software"), to deal in the Software without restriction, including
 * // without limitation the rights to use, copy, modify, merge, publish,
 * // distribute, sublicense, and/or sell copies of the Software, and to
 * // permit persons to whom the Software is furnished to do so, subject to
 * // the following conditions:
 * //
 * // The above copyright notice and this permission notice shall be
 * // included in all copies or substantial portions of the Software.
 * //
 * // THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND,
 * // EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF
 * // MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND
 * // NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE
 * // LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION
 * // OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION
 * // WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */
package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	RawGitVersion         string
	CommitVersionShaShort string
	CommitVersionShaLong  string
	CommitType            string
	versionJSON           bool
)

// buildInfo is what --json reports: enough for an operator script to
// correlate a running connector with the commit it was built from
// without scraping free-text output.
type buildInfo struct {
	Component string `json:"component"`
	Version   string `json:"version"`
	CommitSha string `json:"commit_sha,omitempty"`
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the version of the restkms-connector binary with its commit sha",
	Run: func(cmd *cobra.Command, args []string) {
		sha := ""
		switch CommitType {
		case "Long":
			sha = CommitVersionShaLong
		case "Short":
			sha = CommitVersionShaShort
		}

		if versionJSON {
			out, _ := json.Marshal(buildInfo{
				Component: "restkms-connector",
				Version:   RawGitVersion,
				CommitSha: sha,
			})
			fmt.Println(string(out))
			return
		}

		if sha != "" {
			fmt.Println(RawGitVersion + " " + sha)
			return
		}
		fmt.Println(RawGitVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().StringVar(&CommitType, "commit-sha-type", "", "'Long' or 'Short'")
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "emit version info as JSON")
}
