package model

import "fmt"

type Privilege string

const (
	PrivilegeSelect     Privilege = "SELECT"
	PrivilegeInsert     Privilege = "INSERT"
	PrivilegeUpdate     Privilege = "UPDATE"
	PrivilegeDelete     Privilege = "DELETE"
	PrivilegeExecute    Privilege = "EXECUTE"
	PrivilegeUsage      Privilege = "USAGE"
	PrivilegeAlter      Privilege = "ALTER"
	PrivilegeReferences Privilege = "REFERENCES"
	PrivilegeTrigger    Privilege = "TRIGGER"
)

var knownPrivileges = map[Privilege]bool{
	PrivilegeSelect: true, PrivilegeInsert: true, PrivilegeUpdate: true, PrivilegeDelete: true,
	PrivilegeExecute: true, PrivilegeUsage: true, PrivilegeAlter: true, PrivilegeReferences: true,
	PrivilegeTrigger: true,
}

func ParsePrivilege(s string) (Privilege, error) {
	p := Privilege(s)
	if !knownPrivileges[p] {
		return "", fmt.Errorf("unknown privilege %q", s)
	}
	return p, nil
}
