/*
Copyright © 2026 the Calvalus authors.
This file is part of Calvalus.

Calvalus is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

Calvalus is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with Calvalus.  If not, see <http://www.gnu.org/licenses/>.
*/

// Command calvalus is a command-line interface for Level-3 binning of
// satellite observations.
package main

import (
	"fmt"
	"os"

	"github.com/bcdev/calvalus2-sub005/calvalusutil"
)

func main() {
	if err := calvalusutil.Root.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
}
