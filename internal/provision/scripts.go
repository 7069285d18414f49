// Cthulhu is a fleet of agents that provision network switches over serial.
// Copyright (C) 2025 Cthulhu contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package provision

// stage1Script is Arista EOS ZTP's first-boot bootstrap: it fetches stage2
// with the switch's reported EOS version and SKU so the server can decide
// whether an OS upgrade is needed before configuration.
const stage1Script = `#!/bin/bash
EOS_VERSION=$(FastCli -p 15 -c "show version" | grep "Software image version" | awk '{print $NF}')
SKU=$(FastCli -p 15 -c "show version" | grep "Hardware version" | awk '{print $NF}')
curl -sS "{{.BaseURL}}/stage2.sh?eos=${EOS_VERSION}&sku=${SKU}" -o /mnt/flash/stage2.sh
chmod +x /mnt/flash/stage2.sh
/mnt/flash/stage2.sh
`

// stage2Script is the plain configuration script: the switch is already
// running an acceptable EOS version.
const stage2Script = `#!/bin/bash
echo "cthulhu: applying startup configuration from {{.BaseURL}}"
FastCli -p 15 -c "copy {{.BaseURL}}/config/startup-config flash:startup-config"
FastCli -p 15 -c "reload now"
`

// stage2UpgradeScript redirects the switch to download and install a
// different SWI before configuration proceeds, matching the original's
// AristaStage2UpgradeTemplate.
const stage2UpgradeScript = `#!/bin/bash
echo "cthulhu: upgrading to {{.TargetSWI}}"
curl -sS "{{.BaseURL}}/swi/{{.TargetSWI}}" -o /mnt/flash/{{.TargetSWI}}
FastCli -p 15 -c "install source flash:{{.TargetSWI}}"
FastCli -p 15 -c "reload now"
`
