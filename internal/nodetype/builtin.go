package nodetype

import (
	_ "embed"

	"github.com/onehippo/hippo-repository/internal/repository"
)

// Namespace URIs of the built-in types.
const (
	NamespaceNT            = "http://www.jcp.org/jcr/nt/1.0"
	NamespaceRep           = "internal"
	NamespaceHippo         = "http://www.onehippo.org/jcr/hippo/nt/2.0"
	NamespaceHippoSys      = "http://www.onehippo.org/jcr/hipposys/nt/1.0"
	NamespaceHippoStd      = "http://www.onehippo.org/jcr/hippostd/nt/2.0"
	NamespaceHippoStdPubWf = "http://www.onehippo.org/jcr/hippostdpubwf/nt/1.0"
)

// Built-in type names.
const (
	NTBase                   = "nt:base"
	NTUnstructured           = "nt:unstructured"
	RepRoot                  = "rep:root"
	HippoHandle              = "hippo:handle"
	HippoDocument            = "hippo:document"
	HippoStdFolder           = "hippostd:folder"
	HippoStdPubWfRequest     = "hippostdpubwf:request"
	HippoSysConfiguration    = "hipposys:configuration"
	HippoSysInitializeFolder = "hipposys:initializefolder"
	HippoSysInitializeItem   = "hipposys:initializeitem"
	HippoSysWorkflowFolder   = "hipposys:workflowfolder"
	HippoSysWorkflowCategory = "hipposys:workflowcategory"
	HippoSysWorkflow         = "hipposys:workflow"
)

//go:embed builtin.cnd
var builtinCND string

// BuiltinCND returns the definitions registered by Bootstrap.
func BuiltinCND() string {
	return builtinCND
}

// BuiltinRef binds a built-in type name to its namespace version.
func BuiltinRef(name string) repository.TypeRef {
	namespaces := map[string]string{
		"nt":            NamespaceNT,
		"rep":           NamespaceRep,
		"hippo":         NamespaceHippo,
		"hipposys":      NamespaceHippoSys,
		"hippostd":      NamespaceHippoStd,
		"hippostdpubwf": NamespaceHippoStdPubWf,
	}
	return repository.TypeRef{Name: name, Namespace: namespaces[prefixOf(name)]}
}
