// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main implements dvctl, a command-line client for Dataverse
// organizations driven by connection profiles.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "1.0.0"

func main() {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:          "dvctl",
		Short:        "Dataverse CLI tool",
		Long:         `dvctl connects to Dataverse organizations using named connection profiles.`,
		Version:      version,
		SilenceUsage: true,
	}
	a.bindFlags(rootCmd)

	rootCmd.AddCommand(profilesCmd(a))
	rootCmd.AddCommand(whoamiCmd(a))
	rootCmd.AddCommand(orgVersionCmd(a))
	rootCmd.AddCommand(orgsCmd(a))
	rootCmd.AddCommand(healthCmd(a))
	rootCmd.AddCommand(queryCmd(a))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
